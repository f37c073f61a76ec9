// Package callback serves the provider webhooks that report detection
// results and call lifecycle changes outside the media stream: Twilio's
// native AMD and status callbacks and jambonz AMD events. Results go to the
// same [sink.Store] the stream pipeline writes to.
package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/twilio/twilio-go/client"

	"github.com/MrWong99/amdstream/internal/observe"
	"github.com/MrWong99/amdstream/pkg/classifier"
	"github.com/MrWong99/amdstream/pkg/sink"
)

// Confidences assigned to provider results, which carry none of their own.
const (
	TwilioConfidence  = 0.85
	JambonzConfidence = 0.90
)

// maxBody bounds webhook request bodies.
const maxBody = 64 << 10

// Response is the JSON body returned by the AMD callbacks.
type Response struct {
	Success bool   `json:"success"`
	Label   string `json:"label,omitempty"`
	Action  string `json:"action,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler serves the webhook endpoints.
type Handler struct {
	sink     sink.Store
	metrics  *observe.Metrics
	logger   *slog.Logger
	validate *validator.Validate

	// signatures is nil when X-Twilio-Signature checking is off.
	signatures *client.RequestValidator
	publicURL  string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTwilioSignatures enables X-Twilio-Signature verification on the Twilio
// form callbacks. publicURL is the externally visible scheme and host the
// signature was computed over, e.g. "https://amd.example.com".
func WithTwilioSignatures(authToken, publicURL string) Option {
	return func(h *Handler) {
		v := client.NewRequestValidator(authToken)
		h.signatures = &v
		h.publicURL = strings.TrimRight(publicURL, "/")
	}
}

// New returns a handler writing to rs.
func New(rs sink.Store, opts ...Option) *Handler {
	h := &Handler{
		sink:     rs,
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Register mounts the webhook routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/twilio/amd", h.TwilioAMD)
	r.Post("/api/twilio/status", h.TwilioStatus)
	r.Post("/api/jambonz/amd", h.JambonzAMD)
}

type twilioAMDForm struct {
	CallID     string `validate:"required,max=128"`
	CallSID    string `validate:"omitempty,max=64"`
	AnsweredBy string `validate:"max=64"`
}

type twilioStatusForm struct {
	CallID       string `validate:"required,max=128"`
	CallStatus   string `validate:"required,oneof=queued initiated ringing in-progress completed busy failed no-answer canceled"`
	CallDuration string `validate:"omitempty,number"`
}

type jambonzEvent struct {
	CallID    string `json:"-" validate:"required,max=128"`
	Event     string `json:"event" validate:"max=64"`
	CallSID   string `json:"call_sid" validate:"max=64"`
	AMDResult string `json:"amd_result" validate:"max=64"`
}

// TwilioVerdict maps Twilio's AnsweredBy value to a verdict.
func TwilioVerdict(answeredBy string) classifier.Verdict {
	switch answeredBy {
	case "human":
		return classifier.Verdict{Label: classifier.LabelHuman, Confidence: TwilioConfidence}
	case "machine_start", "machine_end_beep", "machine_end_silence", "machine_end_other":
		return classifier.Verdict{Label: classifier.LabelMachine, Confidence: TwilioConfidence}
	default:
		return classifier.Undecided(classifier.UndecidedConfidence, "")
	}
}

// JambonzVerdict maps a jambonz amd_result value to a verdict.
func JambonzVerdict(result string) classifier.Verdict {
	switch result {
	case "human", "amd_human_detected":
		return classifier.Verdict{Label: classifier.LabelHuman, Confidence: JambonzConfidence}
	case "machine", "amd_machine_detected":
		return classifier.Verdict{Label: classifier.LabelMachine, Confidence: JambonzConfidence}
	default:
		return classifier.Undecided(classifier.UndecidedConfidence, "")
	}
}

func action(l classifier.Label) string {
	if l == classifier.LabelMachine {
		return "terminate"
	}
	return "continue"
}

// TwilioAMD handles Twilio's asynchronous AMD callback.
func (h *Handler) TwilioAMD(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		h.fail(w, r, "twilio", err)
		return
	}
	f := twilioAMDForm{
		CallID:     r.URL.Query().Get("callId"),
		CallSID:    r.PostForm.Get("CallSid"),
		AnsweredBy: r.PostForm.Get("AnsweredBy"),
	}
	if err := h.validate.Struct(f); err != nil {
		h.fail(w, r, "twilio", badRequest(err))
		return
	}

	v := TwilioVerdict(f.AnsweredBy)
	h.apply(w, r, "twilio", f.CallID, v, map[string]any{
		"source":          "twilio",
		"twilioAmdStatus": f.AnsweredBy,
		"callSid":         f.CallSID,
	})
}

// JambonzAMD handles a jambonz AMD event.
func (h *Handler) JambonzAMD(w http.ResponseWriter, r *http.Request) {
	var ev jambonzEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&ev); err != nil {
		h.fail(w, r, "jambonz", badRequest(fmt.Errorf("decode body: %w", err)))
		return
	}
	ev.CallID = r.URL.Query().Get("callId")
	if err := h.validate.Struct(ev); err != nil {
		h.fail(w, r, "jambonz", badRequest(err))
		return
	}

	v := JambonzVerdict(ev.AMDResult)
	h.apply(w, r, "jambonz", ev.CallID, v, map[string]any{
		"source":         "jambonz",
		"jambonzEvent":   ev.Event,
		"jambonzCallSid": ev.CallSID,
		"amdResult":      ev.AMDResult,
	})
}

// TwilioStatus handles Twilio's call status callback.
func (h *Handler) TwilioStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		h.fail(w, r, "twilio_status", err)
		return
	}
	f := twilioStatusForm{
		CallID:       r.URL.Query().Get("callId"),
		CallStatus:   r.PostForm.Get("CallStatus"),
		CallDuration: r.PostForm.Get("CallDuration"),
	}
	if err := h.validate.Struct(f); err != nil {
		h.fail(w, r, "twilio_status", badRequest(err))
		return
	}

	var d time.Duration
	if f.CallDuration != "" {
		secs, err := strconv.Atoi(f.CallDuration)
		if err != nil {
			h.fail(w, r, "twilio_status", badRequest(fmt.Errorf("CallDuration: %w", err)))
			return
		}
		d = time.Duration(secs) * time.Second
	}

	if err := h.sink.SetStatus(r.Context(), f.CallID, f.CallStatus, d); err != nil {
		h.metrics.RecordSinkWrite(r.Context(), err)
		h.fail(w, r, "twilio_status", err)
		return
	}
	h.metrics.RecordSinkWrite(r.Context(), nil)
	h.metrics.RecordCallback(r.Context(), "twilio_status", f.CallStatus)
	observe.LoggerFrom(r.Context(), h.logger).Info("call status updated",
		"session_id", f.CallID, "status", f.CallStatus, "duration", d)
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, source, callID string, v classifier.Verdict, meta map[string]any) {
	u := sink.Update{
		Label:      v.Label,
		Confidence: v.Confidence,
		StatusHint: sink.StatusHintFor(v.Label),
		Metadata:   meta,
	}
	err := h.sink.SetVerdict(r.Context(), callID, u)
	h.metrics.RecordSinkWrite(r.Context(), err)
	if err != nil {
		h.fail(w, r, source, err)
		return
	}
	h.metrics.RecordCallback(r.Context(), source, string(v.Label))
	observe.LoggerFrom(r.Context(), h.logger).Info("provider AMD result",
		"source", source, "session_id", callID, "label", v.Label, "confidence", v.Confidence)
	writeJSON(w, http.StatusOK, Response{Success: true, Label: string(v.Label), Action: action(v.Label)})
}

// parseForm reads the form body and, when enabled, checks its Twilio
// signature.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseForm(); err != nil {
		return badRequest(fmt.Errorf("parse form: %w", err))
	}
	if h.signatures == nil {
		return nil
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	if !h.signatures.Validate(h.publicURL+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature")) {
		return errForbidden
	}
	return nil
}

var errForbidden = errors.New("callback: invalid twilio signature")

type requestError struct{ err error }

func (e *requestError) Error() string { return "callback: bad request: " + e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, source string, err error) {
	status := http.StatusInternalServerError
	var re *requestError
	switch {
	case errors.As(err, &re):
		status = http.StatusBadRequest
	case errors.Is(err, errForbidden):
		status = http.StatusForbidden
	}
	h.metrics.RecordCallback(r.Context(), source, "rejected")
	log := observe.LoggerFrom(r.Context(), h.logger)
	if status == http.StatusInternalServerError {
		log.Error("callback failed", "source", source, "err", err)
		writeJSON(w, status, Response{Error: "internal error"})
		return
	}
	log.Warn("callback rejected", "source", source, "status", status, "err", err)
	writeJSON(w, status, Response{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
