package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"robotfleet/internal/domain"
	"robotfleet/internal/engine"
	"robotfleet/internal/repo"
)

// Trigger schedules a background reconciliation pass.
type Trigger interface {
	Trigger()
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// Runner receives a trigger after every unhealthy dependency update. Optional.
	Runner Trigger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_unhealthy"`
	Message string         `json:"message" example:"robot 3: related objects are not healthy (guidage)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"unhealthy\":[\"guidage\"]}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	engine engine.Engine
	repo   repo.Repo
	runner Trigger
	auth   AuthConfig
	logger *zap.Logger
}

// New returns an HTTP handler exposing the fleet API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo, logger))
	hcfg := huma.DefaultConfig("Robot Fleet API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	s := &handlers{engine: cfg.Engine, repo: cfg.Repo, runner: cfg.Runner, auth: cfg.Auth, logger: logger}
	registerDocs(router, basePath)
	registerRoot(humaAPI)
	registerHealth(group)
	s.registerLicences(group)
	s.registerAlimentations(group)
	s.registerGuidages(group)
	s.registerRobots(group)
	s.registerEvents(group)
	s.registerMe(group)
	if cfg.Auth.DevLogin {
		s.registerDevAuth(group)
	}
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)))
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var de domain.DependencyUnhealthyError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "dependency_unhealthy", err.Error(), map[string]any{"robot_id": de.RobotID, "unhealthy": de.Unhealthy})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "entity store unavailable", map[string]any{"error": err.Error()})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		"/":                                   true,
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Robot Fleet API Docs</title>
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

type messageBody struct {
	Body map[string]string `json:"body"`
}

func registerRoot(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "root",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Welcome message",
	}, func(ctx context.Context, _ *struct{}) (*messageBody, error) {
		return &messageBody{Body: map[string]string{"message": "Robot fleet health API"}}, nil
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*messageBody, error) {
		return &messageBody{Body: map[string]string{"status": "ok"}}, nil
	})
}

type idPath struct {
	ID int64 `path:"id"`
}

type statusInput struct {
	ID     int64 `path:"id"`
	Status bool  `query:"status" required:"true" doc:"Requested health"`
}

type listQuery struct {
	Skip      int    `query:"skip" minimum:"0"`
	Limit     int    `query:"limit" default:"10" minimum:"1" maximum:"1000"`
	IsHealthy string `query:"isHealthy" enum:"true,false" doc:"Filter on health"`
}

func (q listQuery) filter() domain.HealthFilter {
	return domain.HealthFilter{Healthy: parseHealthy(q.IsHealthy), Offset: q.Skip, Limit: q.Limit}
}

func parseHealthy(raw string) *bool {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

// triggerPass hands a full pass to the background runner when one is wired.
func (s *handlers) triggerPass(u engine.HealthUpdate) {
	if u.Healthy || s.runner == nil {
		return
	}
	s.logger.Debug("background pass requested", zap.String("kind", string(u.Kind)), zap.Int64("id", u.ID))
	s.runner.Trigger()
}

func (s *handlers) registerLicences(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-licence",
		Method:        http.MethodPost,
		Path:          "/licences",
		Summary:       "Create licence",
		Tags:          []string{"licences"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateLicenceRequest `json:"body"`
	}) (*struct {
		Body LicenceResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		l, err := s.engine.CreateLicence(ctx, input.Body.ExpirationDate, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LicenceResponse `json:"body"`
		}{Body: licenceResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-licences",
		Method:      http.MethodGet,
		Path:        "/licences",
		Summary:     "List licences",
		Tags:        []string{"licences"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body []LicenceResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.ListLicences(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LicenceResponse `json:"body"`
		}{Body: mapSlice(items, licenceResponse)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-licence",
		Method:      http.MethodGet,
		Path:        "/licences/{id}",
		Summary:     "Get licence",
		Tags:        []string{"licences"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body LicenceResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		l, err := s.engine.GetLicence(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LicenceResponse `json:"body"`
		}{Body: licenceResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-licence-status",
		Method:      http.MethodPut,
		Path:        "/licences/{id}/status",
		Summary:     "Set licence health",
		Description: "An expired licence stays unhealthy whatever status is requested. An unhealthy result cascades to dependent robots.",
		Tags:        []string{"licences"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *statusInput) (*struct {
		Body LicenceResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		l, u, err := s.engine.SetLicenceHealth(ctx, input.ID, input.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		s.triggerPass(u)
		resp := licenceResponse(l)
		resp.AffectedRobots = u.Affected
		return &struct {
			Body LicenceResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (s *handlers) registerAlimentations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-alimentation",
		Method:        http.MethodPost,
		Path:          "/alimentations",
		Summary:       "Create alimentation",
		Tags:          []string{"alimentations"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAlimentationRequest `json:"body"`
	}) (*struct {
		Body AlimentationResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := s.engine.CreateAlimentation(ctx, domain.Alimentation{
			IsHealthy:        input.Body.IsHealthy,
			AlimentationType: domain.AlimentationType(input.Body.AlimentationType),
			Capacity:         input.Body.Capacity,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlimentationResponse `json:"body"`
		}{Body: alimentationResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-alimentations",
		Method:      http.MethodGet,
		Path:        "/alimentations",
		Summary:     "List alimentations",
		Tags:        []string{"alimentations"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body []AlimentationResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.ListAlimentations(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AlimentationResponse `json:"body"`
		}{Body: mapSlice(items, alimentationResponse)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-alimentation",
		Method:      http.MethodGet,
		Path:        "/alimentations/{id}",
		Summary:     "Get alimentation",
		Tags:        []string{"alimentations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body AlimentationResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		a, err := s.engine.GetAlimentation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlimentationResponse `json:"body"`
		}{Body: alimentationResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-alimentation-status",
		Method:      http.MethodPut,
		Path:        "/alimentations/{id}/status",
		Summary:     "Set alimentation health",
		Tags:        []string{"alimentations"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *statusInput) (*struct {
		Body AlimentationResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		a, u, err := s.engine.SetAlimentationHealth(ctx, input.ID, input.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		s.triggerPass(u)
		resp := alimentationResponse(a)
		resp.AffectedRobots = u.Affected
		return &struct {
			Body AlimentationResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (s *handlers) registerGuidages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-guidage",
		Method:        http.MethodPost,
		Path:          "/guidages",
		Summary:       "Create guidage",
		Tags:          []string{"guidages"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateGuidageRequest `json:"body"`
	}) (*struct {
		Body GuidageResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		g, err := s.engine.CreateGuidage(ctx, domain.Guidage{IsHealthy: input.Body.IsHealthy}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuidageResponse `json:"body"`
		}{Body: guidageResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-guidages",
		Method:      http.MethodGet,
		Path:        "/guidages",
		Summary:     "List guidages",
		Tags:        []string{"guidages"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body []GuidageResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.ListGuidages(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GuidageResponse `json:"body"`
		}{Body: mapSlice(items, guidageResponse)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-guidage",
		Method:      http.MethodGet,
		Path:        "/guidages/{id}",
		Summary:     "Get guidage",
		Tags:        []string{"guidages"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body GuidageResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		g, err := s.engine.GetGuidage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuidageResponse `json:"body"`
		}{Body: guidageResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-guidage-status",
		Method:      http.MethodPut,
		Path:        "/guidages/{id}/status",
		Summary:     "Set guidage health",
		Tags:        []string{"guidages"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *statusInput) (*struct {
		Body GuidageResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		g, u, err := s.engine.SetGuidageHealth(ctx, input.ID, input.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		s.triggerPass(u)
		resp := guidageResponse(g)
		resp.AffectedRobots = u.Affected
		return &struct {
			Body GuidageResponse `json:"body"`
		}{Body: resp}, nil
	})
}

type robotListQuery struct {
	Skip           int    `query:"skip" minimum:"0"`
	Limit          int    `query:"limit" default:"10" minimum:"1" maximum:"1000"`
	IsHealthy      string `query:"isHealthy" enum:"true,false" doc:"Filter on health"`
	AlimentationID int64  `query:"alimentation_id"`
	GuidageID      int64  `query:"guidage_id"`
	LicenceID      int64  `query:"licence_id"`
}

func (s *handlers) registerRobots(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-robot",
		Method:        http.MethodPost,
		Path:          "/robots",
		Summary:       "Create robot",
		Tags:          []string{"robots"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateRobotRequest `json:"body"`
	}) (*struct {
		Body RobotResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := s.engine.CreateRobot(ctx, domain.Robot{
			Name:           strings.TrimSpace(input.Body.Name),
			IsHealthy:      input.Body.IsHealthy,
			Motor:          domain.MotorType(input.Body.Motor),
			AlimentationID: input.Body.AlimentationID,
			GuidageID:      input.Body.GuidageID,
			LicenceID:      input.Body.LicenceID,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RobotResponse `json:"body"`
		}{Body: robotResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-robots",
		Method:      http.MethodGet,
		Path:        "/robots",
		Summary:     "List robots",
		Tags:        []string{"robots"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *robotListQuery) (*struct {
		Body []RobotResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		f := domain.RobotFilter{
			Healthy:        parseHealthy(input.IsHealthy),
			AlimentationID: input.AlimentationID,
			GuidageID:      input.GuidageID,
			LicenceID:      input.LicenceID,
			Offset:         input.Skip,
			Limit:          input.Limit,
		}
		items, err := s.engine.ListRobots(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RobotResponse `json:"body"`
		}{Body: mapSlice(items, robotResponse)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-robot",
		Method:      http.MethodGet,
		Path:        "/robots/{id}",
		Summary:     "Get robot",
		Tags:        []string{"robots"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body RobotResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		r, err := s.engine.GetRobot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RobotResponse `json:"body"`
		}{Body: robotResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-robot-status",
		Method:      http.MethodPut,
		Path:        "/robots/{id}/status",
		Summary:     "Set robot health",
		Description: "Marking a robot healthy is refused with 409 unless its alimentation, guidage and licence are all healthy.",
		Tags:        []string{"robots"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *statusInput) (*struct {
		Body RobotResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := s.engine.SetRobotHealth(ctx, input.ID, input.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RobotResponse `json:"body"`
		}{Body: robotResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPut,
		Path:        "/robots/update_health_status",
		Summary:     "Run a reconciliation pass",
		Description: "Expires licences, cascades failures and recovers robots, then reports what changed.",
		Tags:        []string{"robots"},
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermWrite); err != nil {
			return nil, handleError(err)
		}
		summary, err := s.engine.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: reconcileResponse(summary)}, nil
	})
}

func (s *handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"licence,alimentation,guidage,robot"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := s.repo.LatestEvents(ctx, limit+1, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (s *handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func (s *handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(s.auth.JWTSecret, actor, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
