package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumigen-ai/lumigen/internal/apperr"
	"github.com/lumigen-ai/lumigen/internal/kie"
	"github.com/lumigen-ai/lumigen/internal/service"
)

type submitRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	img, err := s.gen.Submit(r.Context(), user.ID, req.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     img.ID,
		"taskId": img.ExternalTaskID,
		"status": img.Status,
		"cost":   img.Cost,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	images, err := s.gen.History(r.Context(), user.ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

type manualPollRequest struct {
	TaskID string `json:"taskId"`
}

func (s *Server) handleManualPoll(w http.ResponseWriter, r *http.Request) {
	var req manualPollRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.TaskID == "" {
		s.writeError(w, apperr.Validation("taskId is required"))
		return
	}

	result, err := s.gen.ManualPoll(r.Context(), req.TaskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"taskId":   result.TaskID,
		"status":   result.Status,
		"imageUrl": result.ImageURL,
		"error":    result.Error,
	})
}

// callbackBody accepts both the flat webhook shape and the provider's
// enveloped shape ({"code":200,"data":{...,"resultJson":"..."}}).
type callbackBody struct {
	TaskID         string   `json:"taskId"`
	Success        *bool    `json:"success"`
	State          string   `json:"state"`
	ResultURLs     []string `json:"resultUrls"`
	Error          string   `json:"error"`
	FailMsg        string   `json:"failMsg"`
	ConsumeCredits int64    `json:"consumeCredits"`
	CostTime       int64    `json:"costTime"`

	Data *struct {
		TaskID         string `json:"taskId"`
		State          string `json:"state"`
		ResultJSON     string `json:"resultJson"`
		FailMsg        string `json:"failMsg"`
		ConsumeCredits int64  `json:"consumeCredits"`
		CostTime       int64  `json:"costTime"`
	} `json:"data"`
}

func parseCallback(body callbackBody) (string, service.Outcome) {
	if body.Data != nil && body.Data.TaskID != "" {
		outcome := service.Outcome{
			Success:        body.Data.State == kie.StateSuccess,
			Error:          body.Data.FailMsg,
			ConsumeCredits: body.Data.ConsumeCredits,
			CostTimeMs:     body.Data.CostTime,
		}
		if body.Data.ResultJSON != "" {
			if urls, ok := kie.ParseResultURLs([]byte(body.Data.ResultJSON)); ok {
				outcome.ResultURLs = urls
			}
		}
		return body.Data.TaskID, outcome
	}

	success := body.State == kie.StateSuccess
	if body.Success != nil {
		success = *body.Success
	}
	errMsg := body.Error
	if errMsg == "" {
		errMsg = body.FailMsg
	}
	return body.TaskID, service.Outcome{
		Success:        success,
		ResultURLs:     body.ResultURLs,
		Error:          errMsg,
		ConsumeCredits: body.ConsumeCredits,
		CostTimeMs:     body.CostTime,
	}
}

// handleCallback is the provider webhook. It always answers 200 with a
// success-shaped body: deliveries are at-least-once and nothing the provider
// could retry would fix an internal failure here.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var body callbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.log.Warn("callback with invalid json", "err", err)
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	taskID, outcome := parseCallback(body)
	if taskID == "" {
		s.log.Warn("callback without taskId")
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	result, err := s.gen.HandleCallback(r.Context(), taskID, outcome)
	if err != nil {
		// Logged, swallowed, 200. Unknown tasks especially must not trigger
		// provider retry storms.
		s.log.Error("callback processing failed", "task_id", taskID, "err", err)
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "taskId": taskID})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"taskId":   result.TaskID,
		"status":   result.Status,
		"imageUrl": result.ImageURL,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	balance, err := s.credits.Balance(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"credits": balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	transactions, err := s.credits.History(r.Context(), user.ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": transactions})
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	checkIn, err := s.credits.CheckIn(r.Context(), user.ID, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"streakDay": checkIn.StreakDay,
		"credits":   checkIn.Credits,
		"date":      checkIn.CheckInDate.Format("2006-01-02"),
	})
}

type redeemReferralRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleRedeemReferral(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req redeemReferralRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	referral, err := s.credits.RedeemReferralCode(r.Context(), user.ID, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"referrerId": referral.ReferrerID,
		"status":     referral.Status,
	})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.subs.Plans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

type createOrderRequest struct {
	PlanID      int64  `json:"planId"`
	ExternalRef string `json:"externalRef"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	order, err := s.subs.CreateOrder(r.Context(), user.ID, req.PlanID, req.ExternalRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"orderId": order.ID,
		"status":  order.Status,
	})
}

// handleConfirmOrder is the redirect-side completion path. It shares the
// idempotent allocation with the payment webhook, so both firing is fine.
func (s *Server) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, apperr.Validation("invalid order id"))
		return
	}

	result, err := s.subs.Allocate(r.Context(), orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"applied": result.Applied,
	})
}

type paymentWebhookBody struct {
	Event  string `json:"event"`
	Status string `json:"status"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
	OrderID     int64  `json:"orderId"`
	ExternalRef string `json:"externalRef"`
}

// handlePaymentWebhook is the gateway-side completion path. Non-success
// events are acknowledged without allocation.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var body paymentWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, apperr.Validation("invalid json body"))
		return
	}

	status := body.Status
	if status == "" {
		status = body.Object.Status
	}
	if status != "succeeded" && status != "completed" {
		s.writeJSON(w, http.StatusOK, map[string]any{"applied": false})
		return
	}

	var err error
	var applied bool
	switch {
	case body.OrderID > 0:
		res, allocErr := s.subs.Allocate(r.Context(), body.OrderID)
		err = allocErr
		if res != nil {
			applied = res.Applied
		}
	case body.ExternalRef != "":
		res, allocErr := s.subs.AllocateByExternalRef(r.Context(), body.ExternalRef)
		err = allocErr
		if res != nil {
			applied = res.Applied
		}
	case body.Object.ID != "":
		res, allocErr := s.subs.AllocateByExternalRef(r.Context(), body.Object.ID)
		err = allocErr
		if res != nil {
			applied = res.Applied
		}
	default:
		err = apperr.Validation("webhook missing order reference")
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}
