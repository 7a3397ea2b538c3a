package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/okapipay/okapi/internal/authn"
	"github.com/okapipay/okapi/internal/credstore"
	"github.com/okapipay/okapi/internal/money"
	"github.com/okapipay/okapi/internal/pagination"
	"github.com/okapipay/okapi/internal/pipeline"
	"github.com/okapipay/okapi/internal/risk"
)

type registerRequest struct {
	Phone       string `json:"phone" binding:"required"`
	Pin         string `json:"pin" binding:"required"`
	Fingerprint string `json:"deviceFingerprint" binding:"required"`
}

func (s *Server) registerAccount(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	acct, err := s.creds.Register(c.Request.Context(), req.Phone, req.Pin, req.Fingerprint)
	if err != nil {
		switch {
		case errors.Is(err, credstore.ErrDuplicateAccount):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_account",
				"message": "An account already exists for this phone number",
			})
		case errors.Is(err, credstore.ErrInvalidPhone),
			errors.Is(err, credstore.ErrInvalidPin),
			errors.Is(err, credstore.ErrInvalidDevice):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to register account",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, acct)
}

func (s *Server) getAccount(c *gin.Context) {
	ctx := c.Request.Context()
	acct, err := s.creds.Lookup(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, credstore.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get account",
		})
		return
	}

	state, until, _ := s.creds.IsLocked(ctx, acct.ID)
	resp := gin.H{
		"id":        acct.ID,
		"phone":     acct.Phone,
		"devices":   acct.Devices,
		"lockState": state,
		"createdAt": acct.CreatedAt,
	}
	if state == credstore.LockTemporary {
		resp["lockedUntil"] = until
	}
	c.JSON(http.StatusOK, resp)
}

type addDeviceRequest struct {
	Pin         string `json:"pin" binding:"required"`
	Fingerprint string `json:"deviceFingerprint" binding:"required"`
	Trusted     bool   `json:"trusted"`
}

func (s *Server) addDevice(c *gin.Context) {
	var req addDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	accountID := c.Param("id")

	// Adding a device requires a valid PIN; otherwise a stolen phone
	// could silently register itself.
	ok, err := s.creds.VerifyPIN(ctx, accountID, req.Pin)
	if err != nil {
		if errors.Is(err, credstore.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to verify PIN",
		})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "authentication_failed",
			"message": "PIN verification failed",
		})
		return
	}

	if err := s.creds.AddDevice(ctx, accountID, req.Fingerprint, req.Trusted); err != nil {
		switch {
		case errors.Is(err, credstore.ErrDuplicateDevice):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_device",
				"message": "Device already registered",
			})
		case errors.Is(err, credstore.ErrDeviceCapReached):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "device_cap_reached",
				"message": "All device slots are re-authorized; remove one first",
			})
		case errors.Is(err, credstore.ErrInvalidDevice):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to add device",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "registered"})
}

// unlockAccount clears a lockout after manual review. Operator-facing.
func (s *Server) unlockAccount(c *gin.Context) {
	if err := s.auth.Unlock(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, credstore.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to unlock account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlocked"})
}

func (s *Server) submitTransaction(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := s.engine.Submit(c.Request.Context(), &req)
	if err != nil {
		s.writePipelineError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Transaction.Status == pipeline.StatusDenied {
		status = http.StatusForbidden
	}
	if result.ConfirmationRequired {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

type confirmRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

func (s *Server) confirmTransaction(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := s.engine.Confirm(c.Request.Context(), req.AccountID, c.Param("id"), req.Code)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
		case errors.Is(err, pipeline.ErrNotFlagged):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_flagged",
				"message": "Transaction is not awaiting confirmation",
			})
		case errors.Is(err, pipeline.ErrBadConfirmation):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "bad_confirmation",
				"message": "Confirmation code mismatch",
			})
		default:
			s.writePipelineError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) getTransaction(c *gin.Context) {
	txn, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get transaction",
		})
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) listTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}
	var beforeSeq uint64
	if cur != nil {
		beforeSeq = pipeline.SequenceFromID(cur.ID)
	}

	txns, err := s.engine.History(c.Request.Context(), c.Param("id"), beforeSeq, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}

	page, next, more := pagination.ComputePage(txns, limit, func(t *pipeline.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	resp := gin.H{
		"transactions": page,
		"count":        len(page),
		"hasMore":      more,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getAssessment(c *gin.Context) {
	a, err := s.riskStore.GetByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, risk.ErrAssessmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No assessment for this transaction",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get assessment",
		})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) queueStatus(c *gin.Context) {
	depth, err := s.queue.Depth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read queue",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"depth":   depth,
		"syncing": s.syncTimer.Running(),
	})
}

// runSync triggers an immediate reconciliation pass.
func (s *Server) runSync(c *gin.Context) {
	report, err := s.reconciler.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "sync_failed",
			"message": err.Error(),
			"report":  report,
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// writePipelineError maps pipeline and auth errors to HTTP responses.
func (s *Server) writePipelineError(c *gin.Context, err error) {
	var locked *authn.LockedError
	switch {
	case errors.As(err, &locked):
		c.Header("Retry-After", strconv.Itoa(int(time.Until(locked.Until).Seconds())))
		c.JSON(http.StatusLocked, gin.H{
			"error":       "account_locked",
			"message":     "Account is temporarily locked",
			"lockedUntil": locked.Until,
			"tier":        locked.Tier,
		})
	case errors.Is(err, authn.ErrPermanentlyLocked):
		c.JSON(http.StatusLocked, gin.H{
			"error":   "account_permanently_locked",
			"message": "Account requires manual review",
		})
	case errors.Is(err, authn.ErrBadPin), errors.Is(err, authn.ErrUnknownDevice):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "authentication_failed",
			"message": "PIN or device verification failed",
		})
	case errors.Is(err, credstore.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Account not found",
		})
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrUnsupportedCurrency):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process transaction",
		})
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.ledger.Probe(ctx); err != nil {
		checks["ledger"] = "unreachable"
	} else {
		checks["ledger"] = "healthy"
	}

	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	// An unreachable ledger is normal operation for this engine: the
	// queue absorbs it. Only a broken database degrades health.
	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	depth, _ := s.queue.Depth(c.Request.Context())
	c.JSON(httpStatus, gin.H{
		"status":     status,
		"checks":     checks,
		"queueDepth": depth,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Okapi",
		"description": "Offline-first transaction authorization engine",
		"version":     "0.1.0",
	})
}
