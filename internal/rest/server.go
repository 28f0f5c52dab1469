package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenrepo/internal/config"
	"github.com/pbinitiative/zenrepo/internal/log"
	otelint "github.com/pbinitiative/zenrepo/internal/otel"
	"github.com/pbinitiative/zenrepo/internal/rest/middleware"
	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/senseyeio/duration"
)

// maxDeploymentSize bounds the multipart form kept in memory, larger files go to temporary files
const maxDeploymentSize = 32 << 20

type Server struct {
	repo   *repository.Repository
	addr   string
	server *http.Server
	now    func() time.Time
}

// NewServer routes the repository API, httpMetrics may be nil
func NewServer(repo *repository.Repository, conf config.Config, httpMetrics *otelint.HttpMetrics) *Server {
	r := chi.NewRouter()
	s := Server{
		repo: repo,
		addr: conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
		now: time.Now,
	}
	r.Use(middleware.Cors(conf.Server.CorsOrigins))
	r.Use(middleware.Opentelemetry(conf, httpMetrics))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/deployments", s.deploy)
		r.Delete("/deployments/{id}", s.deleteDeployment)

		r.Route("/definitions", func(r chi.Router) {
			r.Get("/{id}", s.getDefinition)
			r.Delete("/{id}", s.deleteDefinition)
			r.Post("/{id}/suspend", s.transitionById(true))
			r.Post("/{id}/activate", s.transitionById(false))
			r.Post("/{id}/start", s.startInstance)

			r.Delete("/key/{key}", s.deleteDefinitionsByKey)
			r.Post("/key/{key}/suspend", s.transitionByKey(true))
			r.Post("/key/{key}/activate", s.transitionByKey(false))
		})

		r.Delete("/cache", s.purgeCache)
		r.Delete("/cache/{kind}", s.discardCache)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJson(w, http.StatusOK, map[string]string{"status": "UP"})
		})
	})
	return &s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
		return nil
	}
	log.Info("ZenRepo REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxDeploymentSize); err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
		return
	}
	set := repository.NewResourceSet()
	opts := repository.DeployOptions{}
	form := r.MultipartForm
	if v := r.FormValue("name"); v != "" {
		set.Name(v)
	}
	if v := r.FormValue("nameFromDeployment"); v != "" {
		set.NameFromDeployment(v)
	}
	if v := r.FormValue("source"); v != "" {
		set.Source(v)
	}
	if v := r.FormValue("tenantId"); v != "" {
		set.TenantId(v)
	}
	for _, v := range form.Value["redeploy"] {
		set.AddDeploymentResources(v)
	}
	for _, header := range form.File["resources"] {
		f, err := header.Open()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
			return
		}
		set.AddResource(header.Filename, content)
	}

	var err error
	if opts.DuplicateFiltering, err = formBool(r, "enableDuplicateFiltering"); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if v := r.FormValue("duplicateBaselineId"); v != "" {
		opts.DuplicateBaselineId = &v
	}
	if v := r.FormValue("processApplication"); v != "" {
		opts.ProcessApplication = &v
	}
	if opts.ResumePreviousVersions, err = formBool(r, "resume"); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	opts.ResumeStrategy = repository.ResumeStrategy(r.FormValue("resumeStrategy"))
	if v := r.FormValue("activateAfter"); v != "" {
		d, err := duration.ParseISO8601(v)
		if err != nil {
			writeBadRequest(w, r, errors.New("activateAfter must be an ISO-8601 duration: "+err.Error()))
			return
		}
		at := d.Shift(s.now())
		opts.ActivateAfter = &at
	}

	res, err := s.repo.Deploy(r.Context(), set, opts)
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJson(w, status, newDeploymentResponse(res))
}

func (s *Server) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	flags, err := deleteFlags(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := s.repo.DeleteDeployment(r.Context(), chi.URLParam(r, "id"), flags.Cascade, flags.SkipCustomListeners, flags.SkipIoMappings); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.repo.GetDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, newDefinitionResponse(def))
}

func (s *Server) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	req, err := deleteFlags(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	req.Selector = repository.ById(chi.URLParam(r, "id"))
	if err := s.repo.Delete(r.Context(), req); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteDefinitionsByKey(w http.ResponseWriter, r *http.Request) {
	req, err := deleteFlags(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if req.Selector, err = keySelector(r); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := s.repo.Delete(r.Context(), req); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) transitionById(suspend bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.transition(w, r, suspend, repository.ById(chi.URLParam(r, "id")))
	}
}

func (s *Server) transitionByKey(suspend bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		selector, err := keySelector(r)
		if err != nil {
			writeBadRequest(w, r, err)
			return
		}
		s.transition(w, r, suspend, selector)
	}
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, suspend bool, selector repository.DefinitionSelector) {
	var body SuspensionStateRequest
	if err := readJson(r, &body); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	req := repository.SuspensionRequest{
		Selector:         selector,
		IncludeInstances: body.IncludeInstances,
		ExecutionDate:    body.ExecutionDate,
	}
	var err error
	if suspend {
		err = s.repo.Suspend(r.Context(), req)
	} else {
		err = s.repo.Activate(r.Context(), req)
	}
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	var body StartInstanceRequest
	if err := readJson(r, &body); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	instance, err := s.repo.StartProcessInstance(r.Context(), repository.StartRequest{
		DefinitionId: &id,
		BusinessKey:  body.BusinessKey,
		Variables:    body.Variables,
	})
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	writeJson(w, http.StatusCreated, newProcessInstanceResponse(instance))
}

func (s *Server) discardCache(w http.ResponseWriter, r *http.Request) {
	kind, err := runtime.ParseDefinitionKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	s.repo.DiscardCache(kind)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) purgeCache(w http.ResponseWriter, r *http.Request) {
	s.repo.PurgeCache()
	w.WriteHeader(http.StatusNoContent)
}

func deleteFlags(r *http.Request) (repository.DeleteRequest, error) {
	var req repository.DeleteRequest
	var err error
	if req.Cascade, err = queryBool(r, "cascade"); err != nil {
		return req, err
	}
	if req.SkipCustomListeners, err = queryBool(r, "skipCustomListeners"); err != nil {
		return req, err
	}
	if req.SkipIoMappings, err = queryBool(r, "skipIoMappings"); err != nil {
		return req, err
	}
	return req, nil
}

// keySelector reads the key from the path, kind and tenant from the query
func keySelector(r *http.Request) (repository.DefinitionSelector, error) {
	kind := runtime.DefinitionKindProcess
	if v := r.URL.Query().Get("kind"); v != "" {
		var err error
		if kind, err = runtime.ParseDefinitionKind(v); err != nil {
			return repository.DefinitionSelector{}, err
		}
	}
	selector := repository.ByKey(kind, chi.URLParam(r, "key"))
	if v := r.URL.Query().Get("tenantId"); v != "" {
		selector = selector.ForTenant(v)
	}
	withoutTenant, err := queryBool(r, "withoutTenantId")
	if err != nil {
		return selector, err
	}
	if withoutTenant {
		selector = selector.WithoutTenantId()
	}
	return selector, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	return parseBool(name, r.URL.Query().Get(name))
}

func formBool(r *http.Request, name string) (bool, error) {
	return parseBool(name, r.FormValue(name))
}

func parseBool(name string, v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return b, nil
}

// readJson decodes the body into v, an empty body leaves v untouched
func readJson(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJson(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error("Server error: %s", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
