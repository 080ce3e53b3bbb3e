package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"ephemera/cfg"
	"ephemera/pkg/domain"
	"ephemera/svc/svc"
	"ephemera/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// TestNowHeader overrides the clock for one request when TEST_MODE=1.
const TestNowHeader = "X-Test-Now-Ms"

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

// createReq keeps the raw JSON so that a string "10" or a float 1.5 can be told
// apart from the integer 10.
type createReq struct {
	Content    json.RawMessage `json:"content"`
	TTLSeconds json.RawMessage `json:"ttl_seconds"`
	MaxViews   json.RawMessage `json:"max_views"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeErr(w, domain.ErrUnsupportedMedia, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	// JSON escaping can grow a body well past the content it carries.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPasteSize*6+1024)
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			log.Warn().Int64("limit", tooLarge.Limit).Msg("request body too large")
			writeErr(w, domain.NewValidationError("content", "content exceeds maximum size"), requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}
	params, err := req.params()
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	created, err := h.paste.Create(r.Context(), params, h.now(r))
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			log.Warn().Str("field", ve.Field).Msg("create rejected")
		} else {
			log.Error().Err(err).Msg("failed to create paste")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Bool("ttl", created.ExpiresAt != nil).
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}
func (req createReq) params() (domain.CreateParams, error) {
	var p domain.CreateParams
	if len(req.Content) == 0 || json.Unmarshal(req.Content, &p.Content) != nil {
		return p, domain.NewValidationError("content", "content is required and must be a non-empty string")
	}
	var err error
	if p.TTLSeconds, err = parsePositiveInt("ttl_seconds", req.TTLSeconds); err != nil {
		return p, err
	}
	if p.MaxViews, err = parsePositiveInt("max_views", req.MaxViews); err != nil {
		return p, err
	}
	return p, nil
}

// parsePositiveInt accepts any JSON number with an integral value, so 10 and 1e1 are
// both 10, and rejects strings, booleans, null and fractions.
func parsePositiveInt(field string, raw json.RawMessage) (*int, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	invalid := domain.NewValidationError(field, field+" must be an integer >= 1")
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return nil, invalid
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return nil, invalid
	}
	n := int(f)
	return &n, nil
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	view, err := h.paste.FetchAndConsume(r.Context(), id, h.now(r))
	if err != nil {
		logMiss(r, err)
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Bool("view_limited", view.RemainingViews != nil).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(view)
}

// now is the request's notion of the current time: the wall clock, or the test header
// when the process runs in test mode.
func (h *Hdl) now(r *http.Request) time.Time {
	if h.cfg.TestMode {
		if v := r.Header.Get(TestNowHeader); v != "" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC()
			}
		}
	}
	return time.Now().UTC()
}

// logMiss keeps the internal reason in the log line; responses never carry it. The
// handle stays out of request logs.
func logMiss(r *http.Request, err error) {
	log := hlog.FromRequest(r)
	switch {
	case errors.Is(err, domain.ErrPasteNotFound):
		log.Info().Str("reason", "not_found").Msg("paste unavailable")
	case errors.Is(err, domain.ErrPasteNotAvailable):
		log.Info().Str("reason", "retired").Msg("paste unavailable")
	default:
		log.Error().Err(err).Msg("get failed")
	}
}
func writeErr(w http.ResponseWriter, err error, requestID string) {
	err = domain.Public(err)
	statusCode := domain.Status(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(domain.ToResp(err))
}
