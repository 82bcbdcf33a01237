package oauth

import (
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/guiziweb/pm-oauth/security"
	"github.com/guiziweb/pm-oauth/server"
	"github.com/guiziweb/pm-oauth/session"
	"github.com/guiziweb/pm-oauth/socialauth"
)

// credentialsFormTemplate is the HTML form where a signed-in user submits
// their project management credentials. Served from the authorization
// server itself so API keys never transit through the client application.
const credentialsFormTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>Connect your project tracker</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
               display: flex; justify-content: center; align-items: center;
               min-height: 100vh; margin: 0; background: #f5f5f5; }
        .card { background: white; padding: 2rem 2.5rem; border-radius: 12px;
                box-shadow: 0 2px 12px rgba(0,0,0,0.08); max-width: 24rem; width: 100%; }
        h1 { font-size: 1.25rem; margin: 0 0 0.5rem; }
        p { color: #555; font-size: 0.875rem; margin: 0 0 1.5rem; }
        label { display: block; font-size: 0.8125rem; font-weight: 600;
                margin: 1rem 0 0.25rem; color: #333; }
        input, select { width: 100%; padding: 0.5rem 0.625rem; border: 1px solid #ccc;
                        border-radius: 6px; font-size: 0.875rem; box-sizing: border-box; }
        button { width: 100%; margin-top: 1.5rem; padding: 0.625rem; border: none;
                 border-radius: 6px; background: #1a73e8; color: white;
                 font-size: 0.9375rem; font-weight: 600; cursor: pointer; }
        button:hover { background: #1557b0; }
        .error { color: #c5221f; font-size: 0.8125rem; margin-top: 1rem; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Connect your project tracker</h1>
        <p>Signed in as {{.Email}}. Your API key is encrypted and never shared with the client application.</p>
        <form method="POST" action="/oauth/credentials">
            <label for="provider">Provider</label>
            <select id="provider" name="provider" required>
                <option value="redmine">Redmine</option>
                <option value="jira">Jira</option>
                <option value="monday">Monday.com</option>
            </select>
            <label for="base_url">Base URL</label>
            <input id="base_url" name="base_url" type="url" placeholder="https://tracker.example.com" required>
            <label for="email">Account email (Jira only)</label>
            <input id="email" name="email" type="email" placeholder="you@example.com">
            <label for="api_key">API key</label>
            <input id="api_key" name="api_key" type="password" required>
            <button type="submit">Save and continue</button>
            {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
        </form>
    </div>
</body>
</html>`

// signedInTemplate is shown after a provider callback that has no client
// redirect to follow (signup, admin login, idle sessions).
const signedInTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>Signed in</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
               display: flex; justify-content: center; align-items: center;
               min-height: 100vh; margin: 0; background: #f5f5f5; }
        .card { background: white; padding: 2rem 2.5rem; border-radius: 12px;
                box-shadow: 0 2px 12px rgba(0,0,0,0.08); text-align: center; }
        h1 { font-size: 1.25rem; margin: 0 0 0.5rem; }
        p { color: #555; font-size: 0.875rem; margin: 0; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Signed in</h1>
        <p>You are signed in as {{.Email}}. You can close this window.</p>
    </div>
</body>
</html>`

var (
	credentialsFormTmpl = template.Must(template.New("credentials").Parse(credentialsFormTemplate))
	signedInTmpl        = template.Must(template.New("signedin").Parse(signedInTemplate))
)

type credentialsFormData struct {
	Email string
	Error string
}

// ServeCredentials handles the credentials form. GET renders it, POST
// stores the submitted bundle and resumes a pending client authorization
// when the session has one.
func (h *Handler) ServeCredentials(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	sess := h.sessionContext(w, r)

	identity, err := sess.Identity(ctx)
	if err != nil {
		h.logger.Error("Failed to load session", "error", err)
		h.recordHTTPMetrics(r, "credentials", http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("Internal server error"))
		return
	}
	if identity == nil {
		h.recordHTTPMetrics(r, "credentials", http.StatusUnauthorized, startTime)
		h.writeError(w, ErrInvalidToken("Sign in before storing credentials"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.recordHTTPMetrics(r, "credentials", http.StatusOK, startTime)
		h.renderCredentialsForm(w, credentialsFormData{Email: identity.Email})

	case http.MethodPost:
		h.handleCredentialsSubmit(w, r, sess, identity, startTime)

	default:
		h.recordHTTPMetrics(r, "credentials", http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCredentialsSubmit(w http.ResponseWriter, r *http.Request, sess *session.Context, identity *socialauth.Identity, startTime time.Time) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(r, "credentials", http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Failed to parse form"))
		return
	}

	bundle, err := parseBundleForm(r.PostForm)
	if err != nil {
		h.recordHTTPMetrics(r, "credentials", http.StatusBadRequest, startTime)
		h.renderCredentialsForm(w, credentialsFormData{
			Email: identity.Email,
			Error: err.Error(),
		})
		return
	}

	redirectURL, err := h.server.SubmitCredentials(ctx, sess, bundle)
	if err != nil {
		switch {
		case errors.Is(err, server.ErrNotAuthenticated):
			h.recordHTTPMetrics(r, "credentials", http.StatusUnauthorized, startTime)
			h.writeError(w, ErrInvalidToken("Sign in before storing credentials"))
		case errors.Is(err, server.ErrUserNotApproved):
			h.recordHTTPMetrics(r, "credentials", http.StatusForbidden, startTime)
			h.writeError(w, ErrAccessDenied("Account is not approved for access"))
		default:
			h.logger.Error("Failed to store credentials", "error", err)
			h.recordHTTPMetrics(r, "credentials", http.StatusInternalServerError, startTime)
			h.writeError(w, ErrServerError("Failed to store credentials"))
		}
		return
	}

	if redirectURL != "" {
		// A client authorization was waiting on these credentials.
		h.recordHTTPMetrics(r, "credentials", http.StatusFound, startTime)
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	h.recordHTTPMetrics(r, "credentials", http.StatusOK, startTime)
	h.serveSignedInPage(w, identity)
}

func (h *Handler) renderCredentialsForm(w http.ResponseWriter, data credentialsFormData) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	// The form carries inline styles; the strict default CSP would strip them.
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'; form-action 'self'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := credentialsFormTmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render credentials form", "error", err)
	}
}

func (h *Handler) serveSignedInPage(w http.ResponseWriter, identity *socialauth.Identity) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := signedInTmpl.Execute(w, identity); err != nil {
		h.logger.Error("Failed to render signed-in page", "error", err)
	}
}
