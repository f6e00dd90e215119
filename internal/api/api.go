// Package api exposes the daemon's control surface over HTTP: health and
// device-info probes, input injection (tap/swipe/text), and UI inspection
// (uiautomator XML dump, screenshot). Handlers never touch the ADB wire
// protocol directly — every device interaction goes through a
// *sessionmgr.Manager.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/adbhostd/adbhostd/internal/adbsession"
	"github.com/adbhostd/adbhostd/internal/sessionmgr"
)

// enterActions are the permitted values for the input endpoint's
// enterAction field, per spec.md §6.
var enterActions = map[string]bool{
	"auto": true, "search": true, "send": true, "done": true,
	"go": true, "next": true, "enter": true, "none": true,
}

// Handler routes the HTTP API and dispatches to a session manager.
type Handler struct {
	Manager *sessionmgr.Manager
	Logger  zerolog.Logger
	started time.Time
}

// NewRouter builds the chi router for the full API surface.
func NewRouter(mgr *sessionmgr.Manager, logger zerolog.Logger) http.Handler {
	h := &Handler{Manager: mgr, Logger: logger, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("rid", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("handled request")
	}))

	r.Get("/v1/health", h.handleHealth)
	r.Get("/v1/system/info", h.handleSystemInfo)
	r.Post("/v1/control/click", h.handleClick)
	r.Post("/v1/control/swipe", h.handleSwipe)
	r.Post("/v1/control/input", h.handleInput)
	r.Post("/v1/ui/xml", h.handleUIXML)
	r.Post("/v1/ui/screenshot", h.handleScreenshot)

	return r
}

func respJSON(w http.ResponseWriter, status int, env Envelope) {
	buf, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.WriteHeader(status)
	w.Write(buf)
}

func respOK(w http.ResponseWriter, data any) {
	respJSON(w, http.StatusOK, Envelope{Code: codeOK, Message: "ok", Data: data})
}

func respValidationError(w http.ResponseWriter, code int, message string) {
	respJSON(w, http.StatusBadRequest, Envelope{Code: code, Message: message})
}

// respUpstreamError classifies an error returned by the session manager
// into the HTTP status + code family spec.md §7 describes: 503 for
// transport/device failures, with NoActiveSession and Busy called out
// distinctly since a caller can recover from those without redialing.
func respUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionmgr.ErrNoActiveSession):
		respJSON(w, http.StatusServiceUnavailable, Envelope{Code: codeNoActiveSession, Message: err.Error()})
	case errors.Is(err, sessionmgr.ErrBusy):
		respJSON(w, http.StatusServiceUnavailable, Envelope{Code: codeBusy, Message: err.Error()})
	case errors.Is(err, adbsession.ErrNetwork):
		respJSON(w, http.StatusServiceUnavailable, Envelope{Code: codeUpstreamNetwork, Message: err.Error()})
	case errors.Is(err, adbsession.ErrTimeout):
		respJSON(w, http.StatusServiceUnavailable, Envelope{Code: codeUpstreamTimeout, Message: err.Error()})
	default:
		respJSON(w, http.StatusServiceUnavailable, Envelope{Code: codeUpstreamOther, Message: err.Error()})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respOK(w, map[string]string{"status": "up"})
}

func (h *Handler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"adbConnected": h.Manager.Connected(),
		"uptimeSeconds": int(time.Since(h.started).Seconds()),
	}

	if h.Manager.Connected() {
		if model, err := h.Manager.ExecuteShell(r.Context(), "getprop ro.product.model"); err == nil {
			info["deviceModel"] = model
		}
		if release, err := h.Manager.ExecuteShell(r.Context(), "getprop ro.build.version.release"); err == nil {
			info["osVersion"] = release
		}
		if size, err := h.Manager.ExecuteShell(r.Context(), "wm size"); err == nil {
			if width, height, ok := parseWMSize(size); ok {
				info["display"] = map[string]int{"width": width, "height": height}
				info["clickRange"] = map[string]int{"maxX": width - 1, "maxY": height - 1}
			}
		}
	}

	respOK(w, info)
}

// parseWMSize parses "wm size" output of the form
// "Physical size: 1080x2400" (optionally accompanied by an "Override size"
// line, which takes precedence since it reflects what's actually rendered).
func parseWMSize(out string) (width, height int, ok bool) {
	var physical, override string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, found := strings.CutPrefix(line, "Physical size: "); found {
			physical = v
		}
		if v, found := strings.CutPrefix(line, "Override size: "); found {
			override = v
		}
	}
	dim := override
	if dim == "" {
		dim = physical
	}
	w, h, found := strings.Cut(dim, "x")
	if !found {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return width, height, true
}

type clickRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (h *Handler) handleClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := decodeJSON(r, &req); err != nil {
		respValidationError(w, codeInvalidCoordinates, "invalid request body")
		return
	}
	if req.X < 0 || req.Y < 0 {
		respValidationError(w, codeInvalidCoordinates, "x and y must be non-negative")
		return
	}

	cmd := "input tap " + strconv.Itoa(req.X) + " " + strconv.Itoa(req.Y)
	if _, err := h.Manager.ExecuteShell(r.Context(), cmd); err != nil {
		respUpstreamError(w, err)
		return
	}
	respOK(w, map[string]string{"command": cmd})
}

type swipeRequest struct {
	StartX     int `json:"startX"`
	StartY     int `json:"startY"`
	EndX       int `json:"endX"`
	EndY       int `json:"endY"`
	DurationMs int `json:"durationMs"`
}

func (h *Handler) handleSwipe(w http.ResponseWriter, r *http.Request) {
	var req swipeRequest
	if err := decodeJSON(r, &req); err != nil {
		respValidationError(w, codeInvalidCoordinates, "invalid request body")
		return
	}
	if req.StartX < 0 || req.StartY < 0 || req.EndX < 0 || req.EndY < 0 {
		respValidationError(w, codeInvalidCoordinates, "coordinates must be non-negative")
		return
	}

	duration := req.DurationMs
	if duration < 1 {
		duration = 1
	}
	if duration > 60000 {
		duration = 60000
	}

	cmd := "input swipe " +
		strconv.Itoa(req.StartX) + " " + strconv.Itoa(req.StartY) + " " +
		strconv.Itoa(req.EndX) + " " + strconv.Itoa(req.EndY) + " " +
		strconv.Itoa(duration)
	if _, err := h.Manager.ExecuteShell(r.Context(), cmd); err != nil {
		respUpstreamError(w, err)
		return
	}
	respOK(w, map[string]string{"command": cmd})
}

type inputRequest struct {
	Text        string `json:"text"`
	PressEnter  bool   `json:"pressEnter"`
	EnterAction string `json:"enterAction"`
}

func (h *Handler) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		respValidationError(w, codeInvalidText, "invalid request body")
		return
	}
	if req.Text == "" || len([]rune(req.Text)) > 4096 {
		respValidationError(w, codeInvalidText, "text must be 1..4096 characters")
		return
	}
	if req.EnterAction != "" && !enterActions[req.EnterAction] {
		respValidationError(w, codeInvalidEnterAction, "unsupported enterAction")
		return
	}

	cmd := "input text " + shellQuote(escapeAdbSpaces(req.Text))
	if req.PressEnter {
		cmd += " && input keyevent 66"
	}
	if _, err := h.Manager.ExecuteShell(r.Context(), cmd); err != nil {
		respUpstreamError(w, err)
		return
	}
	respOK(w, map[string]string{"command": cmd})
}

// escapeAdbSpaces replaces spaces with the %s escape `input text` requires,
// since the shell service splits on whitespace before adbd ever sees it.
func escapeAdbSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "%s")
}

// shellQuote wraps s in single quotes for the shell: service command line,
// escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

const uiautomatorDumpPath = "/sdcard/window_dump.xml"

func (h *Handler) handleUIXML(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Manager.ExecuteShell(r.Context(), "uiautomator dump "+uiautomatorDumpPath); err != nil {
		respUpstreamError(w, err)
		return
	}
	xml, err := h.Manager.PullFileText(r.Context(), uiautomatorDumpPath)
	if err != nil {
		respUpstreamError(w, err)
		return
	}
	if !strings.Contains(xml, "<hierarchy") {
		respJSON(w, http.StatusInternalServerError, Envelope{
			Code:    codeUpstreamOther,
			Message: "uiautomator produced no XML marker",
			Data:    map[string]string{"output": xml},
		})
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml))
}

func (h *Handler) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	png, err := h.Manager.ExecuteExecRaw(r.Context(), "screencap -p")
	if err != nil {
		respUpstreamError(w, err)
		return
	}
	if len(png) == 0 {
		respJSON(w, http.StatusInternalServerError, Envelope{
			Code:    codeUpstreamOther,
			Message: "screencap produced no output",
		})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
