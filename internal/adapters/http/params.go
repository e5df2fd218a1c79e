package httpadapter

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

func bindPath(r *http.Request, name string) (string, error) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", &runtimeError{code: http.StatusBadRequest, msg: "invalid path parameter " + name + ": " + err.Error()}
	}
	return v, nil
}

func bindID(r *http.Request) (string, error) { return bindPath(r, "id") }

func bindDomain(r *http.Request) (string, error) { return bindPath(r, "domain") }

type createParams struct {
	wait    bool
	timeout time.Duration
}

func bindCreateParams(r *http.Request) (createParams, error) {
	var (
		wait    *bool
		timeout *int
	)
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "wait", q, &wait); err != nil {
		return createParams{}, &runtimeError{code: http.StatusBadRequest, msg: "invalid query parameter wait: " + err.Error()}
	}
	if err := runtime.BindQueryParameter("form", true, false, "timeout", q, &timeout); err != nil {
		return createParams{}, &runtimeError{code: http.StatusBadRequest, msg: "invalid query parameter timeout: " + err.Error()}
	}
	p := createParams{timeout: defaultWait}
	if wait != nil {
		p.wait = *wait
	}
	if timeout != nil && *timeout > 0 {
		p.timeout = time.Duration(*timeout) * time.Second
	}
	if p.timeout > maxWait {
		p.timeout = maxWait
	}
	return p, nil
}

func bindLimit(r *http.Request) (int, error) {
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		return 0, &runtimeError{code: http.StatusBadRequest, msg: "invalid query parameter limit: " + err.Error()}
	}
	if limit == nil {
		return 0, nil
	}
	return *limit, nil
}
