// Package server exposes the coordinator's read-only HTTP API. Sessions are
// driven locally through the CLI; the API is for dashboards and tooling
// that watch a session's record.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reviewgate/internal/domain"
	"reviewgate/internal/engine"
	"reviewgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the coordinator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Reviewgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerStatus(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerFindings(group, cfg.Engine)
	registerValidations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Reviewgate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// registerMe lets agents and tooling verify which identity their
// credentials resolve to.
func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Identify the authenticated caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PrincipalBody `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body PrincipalBody `json:"body"`
		}{Body: PrincipalBody{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Latest session status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusBody `json:"body"`
	}, error) {
		s, err := e.Repo.LatestSession(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		findings, err := e.Repo.ListFindings(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		open := 0
		for _, f := range findings {
			if f.Status == domain.FindingOpen || f.Status == domain.FindingDeferredProposed {
				open++
			}
		}
		return &struct {
			Body StatusBody `json:"body"`
		}{Body: StatusBody{
			SessionID:     s.ID,
			Phase:         s.Phase,
			Mode:          s.Mode,
			ValidationRun: s.ValidationRun,
			ReviewCycle:   s.ReviewCycle,
			OpenFindings:  open,
		}}, nil
	})
}

type sessionPath struct {
	SessionID string `path:"session_id"`
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		sessions, err := e.Repo.ListSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: sessions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Session detail",
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionDetail `json:"body"`
	}, error) {
		detail, err := loadSessionDetail(ctx, e, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionDetail `json:"body"`
		}{Body: detail}, nil
	})
}

func registerFindings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-findings",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/findings",
		Summary:     "Findings for a session",
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body []domain.Finding `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		findings, err := e.Repo.ListFindings(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Finding `json:"body"`
		}{Body: findings}, nil
	})
}

func registerValidations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-validations",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/validations",
		Summary:     "Validation runs for a session",
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body []domain.ValidationRun `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListValidationRuns(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ValidationRun `json:"body"`
		}{Body: runs}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	type eventsInput struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "Audit events for a session",
	}, func(ctx context.Context, input *eventsInput) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.ListEvents(ctx, input.SessionID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})

	type messagesInput struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/messages",
		Summary:     "Messages routed within a session",
	}, func(ctx context.Context, input *messagesInput) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		msgs, err := e.Repo.ListMessages(ctx, input.SessionID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: msgs}, nil
	})
}

func loadSessionDetail(ctx context.Context, e engine.Engine, sessionID string) (SessionDetail, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	actors, err := e.Repo.ListActors(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	gates, err := e.Repo.ListGates(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	verdicts, err := e.Repo.ListVerdicts(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	findings, err := e.Repo.ListFindings(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	return SessionDetail{
		Session:  s,
		Actors:   actors,
		Gates:    gates,
		Verdicts: verdicts,
		Findings: findings,
	}, nil
}
