package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/transport"
)

// OpenAPIValidator rejects requests that do not match the published contract
// before they reach a handler. Routes missing from the document pass through.
type OpenAPIValidator struct {
	router routers.Router
	base   *transport.BaseHandler
}

func NewOpenAPIValidator(specPath string, logger *slog.Logger) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load openapi document %s: %w", specPath, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi document %s: %w", specPath, err)
	}
	// Server urls are matched by host; validate on path alone.
	doc.Servers = nil

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &OpenAPIValidator{router: router, base: transport.NewBaseHandler(logger)}, nil
}

func (v *OpenAPIValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
				next.ServeHTTP(w, r)
				return
			}
			v.base.HandleError(w, internal.NewValidationError(err.Error(), internal.ErrCodeValidationFailed))
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			v.base.HandleError(w, contractError(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func contractError(err error) *internal.AppError {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		field := "body"
		if reqErr.Parameter != nil {
			field = reqErr.Parameter.Name
		}
		msg := reqErr.Reason
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		if msg == "" {
			msg = reqErr.Error()
		}
		return internal.NewValidationFieldError(field, msg, internal.ErrCodeValidationFailed)
	}
	return internal.NewValidationError(err.Error(), internal.ErrCodeValidationFailed)
}
