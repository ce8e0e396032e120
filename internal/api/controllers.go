package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"signal-gateway/internal/signal"
	"signal-gateway/pkg/brokers/common"
	"signal-gateway/pkg/db"
)

func (s *Server) health(c *gin.Context) {
	hs := s.Gateway.Health()
	code := http.StatusOK
	if hs.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, hs)
}

// postSignal ingests a canonical signal from a manual/API caller.
func (s *Server) postSignal(c *gin.Context) {
	s.ingest(c, signal.SourceAPI)
}

// postWebhook ingests a webhook payload; the path names the shape.
func (s *Server) postWebhook(c *gin.Context) {
	var source signal.Source
	switch c.Param("source") {
	case "chart":
		source = signal.SourceChartAlert
	case "generic":
		source = signal.SourceWebhook
	default:
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown webhook source"})
		return
	}
	s.ingest(c, source)
}

func (s *Server) ingest(c *gin.Context, source signal.Source) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable body"})
		return
	}

	key := c.GetString("WebhookKey")
	req, err := s.Normalizer.Normalize(source, key, payload)
	if err != nil {
		var pe *signal.ParseError
		if errors.As(err, &pe) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": pe.Error(), "field": pe.Field})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	res := s.Engine.Process(c.Request.Context(), req)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, res)
}

// getSignal serves a status poll: cache mirror first, then the audit row
// with its attempts.
func (s *Server) getSignal(c *gin.Context) {
	id := c.Param("id")

	if v, age, ok := s.Mirror.Get("signal:" + id); ok {
		c.JSON(http.StatusOK, gin.H{"signal": v, "age_ms": age.Milliseconds(), "source": "cache"})
		return
	}

	rec, err := s.Store.GetSignal(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "signal not found"})
			return
		}
		s.Log.Errorw("signal lookup failed", "signal_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	attempts, err := s.Store.ListAttempts(c.Request.Context(), id)
	if err != nil {
		s.Log.Warnw("attempt lookup failed", "signal_id", id, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"signal": rec, "attempts": attempts, "source": "db"})
}

func (s *Server) listSignals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := s.Store.ListSignals(c.Request.Context(), limit)
	if err != nil {
		s.Log.Errorw("signal list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": recs, "count": len(recs)})
}

func (s *Server) getPositions(c *gin.Context) {
	broker := c.Query("broker")
	accountID := c.Query("account_id")

	positions, err := s.Gateway.Positions(c.Request.Context(), broker, accountID)
	if err != nil {
		s.brokerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) closePosition(c *gin.Context) {
	broker := c.Query("broker")
	if broker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "broker query parameter is required"})
		return
	}
	quantity := 0.0
	if q := c.Query("quantity"); q != "" {
		v, err := strconv.ParseFloat(q, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid quantity"})
			return
		}
		quantity = v
	}

	res, err := s.Gateway.ClosePosition(c.Request.Context(), broker, c.Query("account_id"), c.Param("id"), quantity)
	s.execResponse(c, res, err)
}

func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.Gateway.Orders(c.Request.Context(), c.Query("broker"), c.Query("account_id"))
	if err != nil {
		s.brokerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// postOrder places an order through the full signal pipeline so it gets
// the same validation, audit trail and retry policy as webhook signals.
func (s *Server) postOrder(c *gin.Context) {
	s.ingest(c, signal.SourceAPI)
}

func (s *Server) putOrder(c *gin.Context) {
	broker := c.Query("broker")
	if broker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "broker query parameter is required"})
		return
	}
	var body struct {
		Price      float64 `json:"price"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid body: " + err.Error()})
		return
	}

	res, err := s.Gateway.ModifyOrder(c.Request.Context(), broker, c.Query("account_id"), c.Param("id"),
		body.Price, body.StopLoss, body.TakeProfit)
	s.execResponse(c, res, err)
}

func (s *Server) deleteOrder(c *gin.Context) {
	broker := c.Query("broker")
	if broker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "broker query parameter is required"})
		return
	}
	res, err := s.Gateway.CancelOrder(c.Request.Context(), broker, c.Query("account_id"), c.Param("id"))
	s.execResponse(c, res, err)
}

func (s *Server) getAccounts(c *gin.Context) {
	accounts := s.Gateway.Accounts(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

func (s *Server) getQuote(c *gin.Context) {
	quote, err := s.Gateway.Quote(c.Request.Context(), c.Query("broker"), c.Param("symbol"))
	if err != nil {
		s.brokerError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// execResponse maps an ExecutionResult + error to a response. Broker-side
// problems always come back as {success:false, error}, never as a bare
// internal error.
func (s *Server) execResponse(c *gin.Context, res common.ExecutionResult, err error) {
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	code := http.StatusUnprocessableEntity
	switch common.KindOf(err) {
	case common.KindConnectivity:
		code = http.StatusServiceUnavailable
	case common.KindCapability:
		code = http.StatusNotImplemented
	}
	c.JSON(code, res)
}

func (s *Server) brokerError(c *gin.Context, err error) {
	code := http.StatusUnprocessableEntity
	if common.KindOf(err) == common.KindConnectivity {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
