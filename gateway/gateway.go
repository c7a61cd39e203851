// Package gateway serves the two server-side HTTP boundaries of the
// realtime engine: call setup for the WebRTC flow and session bootstrap
// for the WebSocket flow. It holds the provider credentials so clients
// never see long-lived keys.
package gateway

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	rt "github.com/voxbridge/realtime"
	"github.com/voxbridge/realtime/shared"
)

const (
	callSetupPath        = "/realtime/calls"
	sessionBootstrapPath = "/realtime/sessions"
)

// DoFunc performs one upstream HTTP exchange. Injectable for tests.
type DoFunc func(req *fasthttp.Request, resp *fasthttp.Response) error

type Gateway struct {
	logger shared.LoggerAdapter
	app    *AppConfig
	do     DoFunc
}

func New(logger shared.LoggerAdapter, app *AppConfig) (*Gateway, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Gateway{
		logger: logger,
		app:    app,
		do:     fasthttp.Do,
	}, nil
}

// Handler routes the two boundary endpoints.
func (g *Gateway) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		g.writeError(ctx, shared.NewAPIError(405, "Method not allowed", ""))
		return
	}
	switch string(ctx.Path()) {
	case callSetupPath:
		g.HandleCreateCall(ctx)
	case sessionBootstrapPath:
		g.HandleCreateSession(ctx)
	default:
		g.writeError(ctx, shared.NewAPIError(404, "Not found", ""))
	}
}

// ListenAndServe blocks serving the boundary endpoints.
func (g *Gateway) ListenAndServe(addr string) error {
	g.logger.Info("gateway listening", zap.String("addr", addr))
	return fasthttp.ListenAndServe(addr, g.Handler)
}

// HandleCreateCall implements the call-setup boundary: multipart `sdp` +
// `session` in, JSON `{sdp_answer, expires_at?}` out. The SDP offer is
// validated before anything goes upstream.
func (g *Gateway) HandleCreateCall(ctx *fasthttp.RequestCtx) {
	offer := g.multipartValue(ctx, "sdp")
	if strings.TrimSpace(offer) == "" {
		g.writeError(ctx, shared.NewAPIError(400, "Missing SDP offer", ""))
		return
	}
	session := g.multipartValue(ctx, "session")

	cfg, err := g.app.realtimeConfig()
	if err != nil {
		g.writeError(ctx, shared.AsAPIError(err))
		return
	}
	if cfg.Model == "" {
		g.writeError(ctx, shared.NewAPIError(500, "Missing realtime model", ""))
		return
	}
	key := cfg.resolvedKey()
	if key == "" {
		g.writeError(ctx, shared.NewAPIError(500, "Missing API key", ""))
		return
	}
	if session == "" {
		// Client sent no resolved session; build one from server config.
		resolved := rt.Resolve(cfg.serviceDefaults(), cfg.Session, nil)
		data, err := sonic.Marshal(&resolved)
		if err != nil {
			g.writeError(ctx, shared.NewAPIError(500, "Resolving session config", ""))
			return
		}
		session = string(data)
	}

	answer, err := g.forwardCall(cfg, key, offer, session)
	if err != nil {
		g.writeError(ctx, shared.AsAPIError(err))
		return
	}
	g.writeJSON(ctx, 200, answer)
}

// forwardCall re-emits the multipart offer/session pair against the
// provider's call endpoint with the server-held bearer key.
func (g *Gateway) forwardCall(cfg *RealtimeConfig, key, offer, session string) (*rt.CallAnswer, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return nil, fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return nil, fmt.Errorf("writing SDP part: %w", err)
	}

	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return nil, fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write([]byte(session)); err != nil {
		return nil, fmt.Errorf("writing session part: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	base, err := url.Parse(cfg.baseURL())
	if err != nil {
		return nil, fmt.Errorf("parsing provider base URL: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(base.JoinPath(callSetupPath).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	if err := g.do(req, resp); err != nil {
		return nil, fmt.Errorf("performing upstream request: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return nil, g.upstreamError(resp.StatusCode(), resp.Body())
	}
	return parseUpstreamAnswer(resp.Body())
}

// parseUpstreamAnswer accepts both historical provider answer shapes: raw
// SDP text or a JSON object keyed by sdp / sdp_answer.
func parseUpstreamAnswer(body []byte) (*rt.CallAnswer, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, shared.NewAPIError(502, "Empty answer from provider", "")
	}
	if trimmed[0] != '{' {
		return &rt.CallAnswer{SDPAnswer: string(trimmed)}, nil
	}
	var raw map[string]any
	if err := sonic.Unmarshal(trimmed, &raw); err != nil {
		return nil, shared.NewAPIError(502, "Unparsable answer from provider", "")
	}
	answer := &rt.CallAnswer{}
	for _, key := range []string{"sdp", "sdp_answer", "sdpAnswer"} {
		if v, ok := raw[key].(string); ok && v != "" {
			answer.SDPAnswer = v
			break
		}
	}
	if answer.SDPAnswer == "" {
		return nil, shared.NewAPIError(502, "Answer from provider carries no SDP", "")
	}
	for _, key := range []string{"expires_at", "expiresAt"} {
		if v, ok := raw[key].(string); ok && v != "" {
			answer.ExpiresAt = v
			break
		}
	}
	return answer, nil
}

// HandleCreateSession implements the session-bootstrap boundary: resolves
// the app configuration plus caller overrides into a provider session,
// creates it upstream and wraps it with the transport metadata the socket
// flow needs.
func (g *Gateway) HandleCreateSession(ctx *fasthttp.RequestCtx) {
	cfg, err := g.app.realtimeConfig()
	if err != nil {
		g.writeError(ctx, shared.AsAPIError(err))
		return
	}
	if cfg.Model == "" {
		g.writeError(ctx, shared.NewAPIError(500, "Missing realtime model", ""))
		return
	}
	key := cfg.resolvedKey()
	if key == "" {
		g.writeError(ctx, shared.NewAPIError(500, "Missing API key", ""))
		return
	}

	var overrides *rt.SessionOptions
	if body := ctx.PostBody(); len(bytes.TrimSpace(body)) > 0 {
		overrides = new(rt.SessionOptions)
		if err := sonic.Unmarshal(body, overrides); err != nil {
			g.writeError(ctx, shared.NewAPIError(400, "Unparsable session overrides", ""))
			return
		}
	}
	resolved := rt.Resolve(cfg.serviceDefaults(), cfg.Session, overrides)

	rawSession, err := g.createProviderSession(cfg, key, &resolved)
	if err != nil {
		g.writeError(ctx, shared.AsAPIError(err))
		return
	}

	descriptor := rt.BootstrapDescriptor{
		URL:              socketURL(cfg.baseURL(), resolved.Model),
		Transport:        "websocket",
		Stream:           true,
		InputAudioFormat: resolved.Audio.Input.Format,
		Model:            resolved.Model,
		ClientSecret:     clientSecret(rawSession),
		Session:          rawSession,
	}
	g.writeJSON(ctx, 200, &descriptor)
}

func (g *Gateway) createProviderSession(cfg *RealtimeConfig, key string, resolved *rt.SessionConfig) (map[string]any, error) {
	params := providerSessionParams(resolved)
	body, err := params.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling provider session params: %w", err)
	}

	target, err := rt.NormalizeSessionURL(cfg.baseURL() + "/realtime")
	if err != nil {
		return nil, fmt.Errorf("normalizing provider session URL: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := g.do(req, resp); err != nil {
		return nil, fmt.Errorf("performing upstream request: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return nil, g.upstreamError(resp.StatusCode(), resp.Body())
	}
	var session map[string]any
	if err := sonic.Unmarshal(resp.Body(), &session); err != nil {
		return nil, shared.NewAPIError(502, "Unparsable session from provider", "")
	}
	return session, nil
}

// socketURL derives the provider websocket endpoint from the HTTP base.
func socketURL(base, model string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	u.RawQuery = "model=" + url.QueryEscape(model)
	return u.String()
}

// clientSecret pulls the ephemeral credential out of a provider session.
func clientSecret(session map[string]any) string {
	secret, ok := session["client_secret"].(map[string]any)
	if !ok {
		return ""
	}
	value, _ := secret["value"].(string)
	return value
}

// upstreamError passes the provider's status, message and code through
// unchanged, defaulting to 502. Only those three fields are logged; raw
// bodies never are.
func (g *Gateway) upstreamError(status int, body []byte) *shared.APIError {
	apiErr := &shared.APIError{Status: status, Message: fasthttp.StatusMessage(status)}
	if status < 400 {
		apiErr.Status = 502
	}
	var raw map[string]any
	if err := sonic.Unmarshal(body, &raw); err == nil {
		if errObj, ok := raw["error"].(map[string]any); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				apiErr.Message = msg
			}
			if code, ok := errObj["code"].(string); ok && code != "" {
				apiErr.Code = code
			}
		}
		if msg, ok := raw["message"].(string); ok && msg != "" {
			apiErr.Message = msg
		}
		if code, ok := raw["code"].(string); ok && code != "" {
			apiErr.Code = code
		}
	}
	g.logger.Error("upstream provider failure", apiErr,
		zap.Int("status", apiErr.Status),
		zap.String("code", apiErr.Code),
	)
	return apiErr
}

func (g *Gateway) multipartValue(ctx *fasthttp.RequestCtx, name string) string {
	form, err := ctx.MultipartForm()
	if err != nil {
		return ""
	}
	values := form.Value[name]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (g *Gateway) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		g.writeError(ctx, shared.NewAPIError(500, "Encoding response", ""))
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, apiErr *shared.APIError) {
	g.logger.Error("boundary request failed", apiErr,
		zap.Int("status", apiErr.Status),
		zap.String("code", apiErr.Code),
	)
	data, err := sonic.Marshal(apiErr)
	if err != nil {
		ctx.SetStatusCode(500)
		return
	}
	ctx.SetStatusCode(apiErr.Status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
