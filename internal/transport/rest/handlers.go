package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
	appCtx "github.com/baechuer/advert-service/internal/pkg/context"
	"github.com/baechuer/advert-service/internal/pkg/logger"
	"github.com/baechuer/advert-service/internal/security"
	"github.com/baechuer/advert-service/internal/service"
	"github.com/baechuer/advert-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

const (
	versionBanner  = "IoT server v1.0.0"
	maxLogBodySize = 64 << 10
)

type Handler struct {
	directory *service.Directory
	interests *service.InterestAggregator
	allocator *service.Allocator
	plays     *service.PlaybackRecorder
	catalog   *service.Catalog
}

func NewHandler(
	directory *service.Directory,
	interests *service.InterestAggregator,
	allocator *service.Allocator,
	plays *service.PlaybackRecorder,
	catalog *service.Catalog,
) *Handler {
	return &Handler{
		directory: directory,
		interests: interests,
		allocator: allocator,
		plays:     plays,
		catalog:   catalog,
	}
}

// -------------------------
// DTOs
// -------------------------

type trackerDTO struct {
	ID         string  `json:"id"`
	ReceiverID *string `json:"receiver_id"`
	LocationID *int64  `json:"location_id"`
}

func toTrackerDTO(t domain.Tracker) trackerDTO {
	return trackerDTO{ID: t.ID, ReceiverID: t.ReceiverID, LocationID: t.LocationID}
}

type interestDTO struct {
	InterestID int64   `json:"interest_id"`
	Weight     float64 `json:"weight"`
}

type videoDTO struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	LengthSec int    `json:"length_sec"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

type playDTO struct {
	ID        string    `json:"id"`
	VideoID   int64     `json:"video_id"`
	DisplayID int64     `json:"display_id"`
	OrderID   string    `json:"order_id"`
	Credits   int64     `json:"credits"`
	PlayedAt  time.Time `json:"played_at"`
}

func toPlayDTO(pv domain.PlayedVideo) playDTO {
	return playDTO{
		ID:        pv.ID.String(),
		VideoID:   pv.VideoID,
		DisplayID: pv.DisplayID,
		OrderID:   pv.OrderID,
		Credits:   pv.Credits,
		PlayedAt:  pv.PlayedAt,
	}
}

type contentDTO struct {
	Status          string    `json:"status"`
	DisplayID       int64     `json:"display_id"`
	Video           *videoDTO `json:"video"`
	Play            *playDTO  `json:"play,omitempty"`
	Balance         *int64    `json:"balance,omitempty"`
	Score           float64   `json:"score,omitempty"`
	MatchedInterest *int64    `json:"matched_interest,omitempty"`
}

func toContentDTO(a domain.Allocation) contentDTO {
	out := contentDTO{Status: string(a.Status), DisplayID: a.DisplayID}
	if a.Status != domain.AllocationPlayed || a.Candidate == nil || a.Play == nil {
		return out
	}
	v := a.Candidate.Video
	url := a.MediaURL
	if url == "" {
		url = v.URL
	}
	out.Video = &videoDTO{ID: v.ID, URL: url, LengthSec: v.LengthSec, Width: v.Width, Height: v.Height}
	play := toPlayDTO(*a.Play)
	out.Play = &play
	balance := a.Balance
	out.Balance = &balance
	out.Score = a.Candidate.Score
	out.MatchedInterest = a.Candidate.MatchedInterest
	return out
}

// -------------------------
// Pairing
// -------------------------

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	response.Text(w, http.StatusOK, versionBanner)
}

// Register: POST /receivers/{receiverID}/trackers/{trackerID} and the legacy
// /register/{receiverID}/{trackerID}.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	receiverID, trackerID, ok := pairingParams(w, r)
	if !ok {
		return
	}
	h.register(w, r, trackerID, receiverID)
}

// RegisterJSON accepts {"loc": receiverID, "tag": trackerID}.
func (h *Handler) RegisterJSON(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePairing(w, r)
	if !ok {
		return
	}
	h.register(w, r, req.Tag, req.Loc)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, trackerID, receiverID string) {
	t, err := h.directory.Register(r.Context(), trackerID, receiverID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toTrackerDTO(t))
}

func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	receiverID, trackerID, ok := pairingParams(w, r)
	if !ok {
		return
	}
	h.unregister(w, r, trackerID, receiverID)
}

func (h *Handler) UnregisterJSON(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePairing(w, r)
	if !ok {
		return
	}
	h.unregister(w, r, req.Tag, req.Loc)
}

func (h *Handler) unregister(w http.ResponseWriter, r *http.Request, trackerID, receiverID string) {
	if err := h.directory.Unregister(r.Context(), trackerID, receiverID); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (h *Handler) ReceiverTrackers(w http.ResponseWriter, r *http.Request) {
	receiverID := strings.TrimSpace(chi.URLParam(r, "receiverID"))
	trackers, err := h.directory.TrackersAt(r.Context(), receiverID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	items := make([]trackerDTO, 0, len(trackers))
	for _, t := range trackers {
		items = append(items, toTrackerDTO(t))
	}
	response.Data(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Tracker(w http.ResponseWriter, r *http.Request) {
	t, err := h.directory.Tracker(r.Context(), strings.TrimSpace(chi.URLParam(r, "trackerID")))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toTrackerDTO(t))
}

// -------------------------
// Interests
// -------------------------

func (h *Handler) ReportInterests(w http.ResponseWriter, r *http.Request) {
	trackerID := strings.TrimSpace(chi.URLParam(r, "trackerID"))

	var req interestsRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid interests", validationMeta(err))
		return
	}

	obs := make([]domain.InterestObservation, 0, len(req.Interests))
	for _, i := range req.Interests {
		obs = append(obs, domain.InterestObservation{InterestID: i.InterestID, Weight: i.Weight})
	}
	if err := h.interests.ReportInterests(r.Context(), trackerID, obs); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{"tracker_id": trackerID, "count": len(obs)})
}

func (h *Handler) LocationInterests(w http.ResponseWriter, r *http.Request) {
	locationID, ok := int64Param(w, r, "locationID")
	if !ok {
		return
	}
	ranked, err := h.interests.InterestsAtLocation(r.Context(), locationID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	items := make([]interestDTO, 0, len(ranked))
	for _, iw := range ranked {
		items = append(items, interestDTO{InterestID: iw.InterestID, Weight: iw.Weight})
	}
	response.Data(w, http.StatusOK, map[string]any{"location_id": locationID, "items": items})
}

// -------------------------
// Content
// -------------------------

func (h *Handler) RequestContent(w http.ResponseWriter, r *http.Request) {
	displayID, ok := int64Param(w, r, "displayID")
	if !ok {
		return
	}
	// A display token may only pull content for itself.
	if auth, ok := GetAuth(r.Context()); ok && auth.Role == security.RoleDisplay &&
		auth.DeviceID != strconv.FormatInt(displayID, 10) {
		fail(w, r, http.StatusForbidden, "auth.forbidden", "token does not belong to this display", nil)
		return
	}

	alloc, err := h.allocator.RequestContent(r.Context(), displayID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toContentDTO(alloc))
}

func (h *Handler) DisplayPlays(w http.ResponseWriter, r *http.Request) {
	displayID, ok := int64Param(w, r, "displayID")
	if !ok {
		return
	}
	plays, err := h.plays.Recent(r.Context(), displayID, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	items := make([]playDTO, 0, len(plays))
	for _, pv := range plays {
		items = append(items, toPlayDTO(pv))
	}
	response.Data(w, http.StatusOK, map[string]any{"items": items})
}

// -------------------------
// Catalog
// -------------------------

func (h *Handler) Order(w http.ResponseWriter, r *http.Request) {
	o, err := h.catalog.Order(r.Context(), strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	interests := o.Interests
	if interests == nil {
		interests = []int64{}
	}
	response.Data(w, http.StatusOK, map[string]any{
		"id":        o.ID,
		"agency":    o.AgencyOrgNr,
		"credits":   o.Credits,
		"interests": interests,
	})
}

func (h *Handler) Agency(w http.ResponseWriter, r *http.Request) {
	a, err := h.catalog.Agency(r.Context(), strings.TrimSpace(chi.URLParam(r, "orgNr")))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"org_nr": a.OrgNr, "name": a.Name})
}

// -------------------------
// Device logs
// -------------------------

// DeviceLog accepts {"error": bool, "message": string} or a raw text body.
func (h *Handler) DeviceLog(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLogBodySize))
	if err != nil {
		fail(w, r, http.StatusRequestEntityTooLarge, "request.too_large", "log body too large", nil)
		return
	}

	req := deviceLogRequest{Message: strings.TrimSpace(string(body))}
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		var parsed deviceLogRequest
		if err := json.Unmarshal(body, &parsed); err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
			return
		}
		req = parsed
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid log entry", validationMeta(err))
		return
	}

	l := logger.WithCtx(r.Context()).With().Str("source", "device").Str("ip", clientIP(r)).Logger()
	if req.Error {
		l.Error().Msg(req.Message)
	} else {
		l.Info().Msg(req.Message)
	}
	w.WriteHeader(http.StatusNoContent)
}

// -------------------------
// Helpers
// -------------------------

func pairingParams(w http.ResponseWriter, r *http.Request) (receiverID, trackerID string, ok bool) {
	receiverID = strings.TrimSpace(chi.URLParam(r, "receiverID"))
	trackerID = strings.TrimSpace(chi.URLParam(r, "trackerID"))
	if receiverID == "" || trackerID == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "receiver and tracker ids are required", nil)
		return "", "", false
	}
	return receiverID, trackerID, true
}

func decodePairing(w http.ResponseWriter, r *http.Request) (pairingRequest, bool) {
	var req pairingRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return req, false
	}
	req.Loc = strings.TrimSpace(req.Loc)
	req.Tag = strings.TrimSpace(req.Tag)
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid pairing", validationMeta(err))
		return req, false
	}
	return req, true
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, name)), 10, 64)
	if err != nil || v <= 0 {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid "+name, map[string]string{
			name: "must be a positive integer",
		})
		return 0, false
	}
	return v, true
}

// parseLimit returns 0 (service default) for a missing or bad value.
func parseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	var nf *domain.NotFoundError
	switch {
	case errors.As(err, &nf):
		fail(w, r, http.StatusNotFound, nf.Entity+".not_found", err.Error(), map[string]string{"id": nf.ID})
	case errors.Is(err, domain.ErrInvalidObservation), errors.Is(err, domain.ErrInvalidAmount):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrReconciliationRequired):
		logger.WithCtx(r.Context()).Error().Err(err).Msg("reconciliation required")
		fail(w, r, http.StatusInternalServerError, "ledger.reconciliation_required", "playback could not be recorded", nil)
	case errors.Is(err, domain.ErrStorageUnavailable):
		logger.WithCtx(r.Context()).Error().Err(err).Msg("storage unavailable")
		fail(w, r, http.StatusServiceUnavailable, "storage.unavailable", "storage unavailable", nil)
	default:
		logger.WithCtx(r.Context()).Error().Err(err).Msg("unhandled error")
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}
