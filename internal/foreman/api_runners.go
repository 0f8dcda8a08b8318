package foreman

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
)

const errTokenMissing = "400 Bad request - token is missing"

func (s *Server) httpServeRunnersAPI(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodPost:
		return s.httpServeRegisterRunner(w, r)
	case http.MethodDelete:
		return s.httpServeUnregisterRunner(w, r)
	}
	return newAPIError(http.StatusMethodNotAllowed, "405 Method Not Allowed")
}

// authenticateRunner resolves a runner token. A missing token is a malformed request; an
// unknown one is forbidden.
func (s *Server) authenticateRunner(ctx context.Context, token string) (*Runner, error) {
	if token == "" {
		return nil, errBadRequest(errTokenMissing)
	}
	runner, err := s.store.RunnerByToken(ctx, token)
	if err == ErrNotFound {
		return nil, errForbidden()
	}
	if err != nil {
		return nil, errors.Wrap(err, "RunnerByToken")
	}
	return runner, nil
}

// registrationScope resolves a registration token into the scope of the runner it creates.
func (s *Server) registrationScope(ctx context.Context, token string, runner *Runner) error {
	if s.Config.RegistrationToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.Config.RegistrationToken)) == 1 {
		runner.Type = ci.RunnerInstance
		return nil
	}
	project, err := s.store.ProjectByRunnersToken(ctx, token)
	if err != nil && err != ErrNotFound {
		return errors.Wrap(err, "ProjectByRunnersToken")
	}
	if project != nil {
		runner.Type = ci.RunnerProject
		runner.ProjectIDs = []int64{project.ID}
		return nil
	}
	namespace, err := s.store.NamespaceByRunnersToken(ctx, token)
	if err != nil && err != ErrNotFound {
		return errors.Wrap(err, "NamespaceByRunnersToken")
	}
	if namespace != nil {
		runner.Type = ci.RunnerGroup
		runner.NamespaceID = &namespace.ID
		return nil
	}
	return errForbidden()
}

func validationError(err error) error {
	var verrs ci.ValidationErrors
	if errors.As(err, &verrs) {
		return errBadRequest(verrs)
	}
	return err
}

func (s *Server) httpServeRegisterRunner(w http.ResponseWriter, r *http.Request) error {
	var req api.RegisterRunnerRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Token == "" {
		return errBadRequest(errTokenMissing)
	}

	runner := &Runner{}
	runner.Description = req.Description
	runner.Active = req.Active == nil || *req.Active
	runner.Locked = req.Locked != nil && *req.Locked
	runner.RunUntagged = req.RunUntagged == nil || *req.RunUntagged
	runner.Tags = []string(req.TagList)
	runner.AccessLevel = ci.AccessLevel(req.AccessLevel)
	runner.MaximumTimeout = req.MaximumTimeout.Value
	if err := s.registrationScope(r.Context(), req.Token, runner); err != nil {
		return err
	}

	settings := ci.RunnerSettings{
		RunUntagged:    runner.RunUntagged,
		Tags:           runner.Tags,
		AccessLevel:    runner.AccessLevel,
		MaximumTimeout: runner.MaximumTimeout,
	}
	if err := settings.Validate(); err != nil {
		return validationError(err)
	}
	runner.AccessLevel, _ = ci.ParseAccessLevel(req.AccessLevel)
	if req.Info != nil {
		runner.Info = *req.Info
	}
	runner.IPAddress = clientIP(r)

	var err error
	runner.Token, err = ci.NewToken("glrt-")
	if err != nil {
		return errors.Wrap(err, "NewToken")
	}
	created, err := s.store.CreateRunner(r.Context(), runner)
	if err != nil {
		return errors.Wrap(err, "CreateRunner")
	}
	s.logf("runner %d registered: type=%s description=%q tags=%v ip=%s", created.ID, created.Type, created.Description, created.Tags, created.IPAddress)
	return writeJSON(w, http.StatusCreated, &api.RegisterRunnerResponse{ID: created.ID, Token: created.Token})
}

func (s *Server) httpServeUnregisterRunner(w http.ResponseWriter, r *http.Request) error {
	var req api.UnregisterRunnerRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	runner, err := s.authenticateRunner(r.Context(), req.Token)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRunner(r.Context(), runner.ID); err != nil {
		return errors.Wrap(err, "DeleteRunner")
	}
	s.logf("runner %d unregistered", runner.ID)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) httpServeVerifyRunner(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return newAPIError(http.StatusMethodNotAllowed, "405 Method Not Allowed")
	}
	var req api.VerifyRunnerRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	runner, err := s.authenticateRunner(r.Context(), req.Token)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, &api.VerifyRunnerResponse{ID: runner.ID, Token: runner.Token})
}
