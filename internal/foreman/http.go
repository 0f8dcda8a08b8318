package foreman

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"golang.org/x/crypto/acme/autocert"
)

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// apiError is a protocol outcome rendered as {"message": Message} with the given status. A nil
// Message writes no body.
type apiError struct {
	Status  int
	Message any
	Header  http.Header
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %v", e.Status, e.Message)
}

func newAPIError(status int, message any) *apiError {
	return &apiError{Status: status, Message: message, Header: http.Header{}}
}

func (e *apiError) with(key, value string) *apiError {
	e.Header.Set(key, value)
	return e
}

var (
	errForbidden = func() *apiError { return newAPIError(http.StatusForbidden, "403 Forbidden") }
	errNotFound  = func() *apiError { return newAPIError(http.StatusNotFound, "404 Not Found") }
	errConflict  = func() *apiError { return newAPIError(http.StatusConflict, "409 Conflict") }
)

func errBadRequest(message any) *apiError {
	return newAPIError(http.StatusBadRequest, message)
}

func (s *Server) handler(prefix string, handle handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := handle(w, r)
		if err == nil {
			return
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			for key, values := range apiErr.Header {
				w.Header()[key] = values
			}
			if apiErr.Message == nil {
				w.WriteHeader(apiErr.Status)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apiErr.Status)
			json.NewEncoder(w).Encode(map[string]any{"message": apiErr.Message})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "error: %s", err.Error())
		s.logf("http: %s: %v", prefix, err)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return errors.Wrap(json.NewEncoder(w).Encode(v), "Encode")
}

// decodeJSON decodes a request body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return errBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// clientIP is the first X-Forwarded-For address, or the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) httpStart() error {
	if s.Config.Address == "" {
		s.logf("http: disabled (Config.Address not configured)")
		return nil
	}

	mux := s.mux()

	s.logf("http: listening on %v - %v", s.Config.Address, s.Config.ExternalURL)
	if strings.HasSuffix(s.Config.Address, ":443") || strings.HasSuffix(s.Config.Address, ":https") {
		// Serve HTTPS using LetsEncrypt
		u, err := url.Parse(s.Config.ExternalURL)
		if err != nil {
			return fmt.Errorf("expected valid config.ExternalURL for LetsEncrypt, found: %v", s.Config.ExternalURL)
		}
		certManager := autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(s.Config.LetsEncryptCacheDir),
			Email:      s.Config.LetsEncryptEmail,
			HostPolicy: autocert.HostWhitelist(u.Hostname()),
		}

		s.httpServer = &http.Server{
			Addr: ":https",
			TLSConfig: &tls.Config{
				GetCertificate: certManager.GetCertificate,
			},
			Handler: mux,
		}

		go func() {
			err := http.ListenAndServe(":http", certManager.HTTPHandler(nil))
			if err != nil {
				log.Fatal("ListenAndServe:", err)
			}
		}()

		// Key and cert are provided by LetsEncrypt
		go func() {
			err := s.httpServer.ListenAndServeTLS("", "")
			if err != nil && err != http.ErrServerClosed {
				log.Fatal("ListenAndServeTLS:", err)
			}
		}()
		return nil
	}
	s.httpServer = &http.Server{Addr: s.Config.Address, Handler: mux}
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("ListenAndServe(addr):", err)
		}
	}()
	return nil
}

func (s *Server) httpStop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.handler("index", s.httpServeIndex))
	mux.Handle("/logs/", s.handler("logs", s.httpBasicAuthMiddleware(s.httpServeLogs)))
	mux.Handle("/runners/", s.handler("runners", s.httpBasicAuthMiddleware(s.httpServeRunners)))
	mux.Handle("/jobs/", s.handler("jobs", s.httpBasicAuthMiddleware(s.httpServeJobPage)))

	// Runner protocol.
	mux.Handle("/api/v4/runners", s.handler("api-runners", s.httpServeRunnersAPI))
	mux.Handle("/api/v4/runners/verify", s.handler("api-runners-verify", s.httpServeVerifyRunner))
	mux.Handle("/api/v4/jobs/request", s.handler("api-jobs-request", s.httpServeJobRequest))
	mux.Handle("/api/v4/jobs/", s.handler("api-jobs", s.httpServeJobsAPI))

	// Admin API.
	mux.Handle("/api/admin/namespaces/upsert", s.handler("api-namespaces-upsert", serverHttpAPI(s, s.httpServeNamespaceUpsert)))
	mux.Handle("/api/admin/projects/upsert", s.handler("api-projects-upsert", serverHttpAPI(s, s.httpServeProjectUpsert)))
	mux.Handle("/api/admin/variables/list", s.handler("api-variables-list", serverHttpAPI(s, s.httpServeVariablesList)))
	mux.Handle("/api/admin/variables/upsert", s.handler("api-variables-upsert", serverHttpAPI(s, s.httpServeVariablesUpsert)))
	mux.Handle("/api/admin/variables/delete", s.handler("api-variables-delete", serverHttpAPI(s, s.httpServeVariablesDelete)))
	mux.Handle("/api/admin/runners/list", s.handler("api-runners-list", serverHttpAPI(s, s.httpServeRunnerList)))
	mux.Handle("/api/admin/runners/update", s.handler("api-runners-update", serverHttpAPI(s, s.httpServeRunnerUpdate)))
	mux.Handle("/api/admin/runners/delete", s.handler("api-runners-delete", serverHttpAPI(s, s.httpServeRunnerDelete)))
	mux.Handle("/api/admin/pipelines/create", s.handler("api-pipelines-create", serverHttpAPI(s, s.httpServePipelineCreate)))
	mux.Handle("/api/admin/jobs/list", s.handler("api-jobs-list", serverHttpAPI(s, s.httpServeJobsList)))
	mux.Handle("/api/admin/jobs/get", s.handler("api-jobs-get", serverHttpAPI(s, s.httpServeJobGet)))
	mux.Handle("/api/admin/jobs/cancel", s.handler("api-jobs-cancel", serverHttpAPI(s, s.httpServeJobCancel)))
	mux.Handle("/api/admin/jobs/erase", s.handler("api-jobs-erase", serverHttpAPI(s, s.httpServeJobErase)))
	mux.Handle("/api/admin/jobs/retry", s.handler("api-jobs-retry", serverHttpAPI(s, s.httpServeJobRetry)))
	mux.Handle("/api/admin/jobs/trace", s.handler("api-jobs-trace", serverHttpAPI(s, s.httpServeJobTrace)))
	mux.Handle("/api/admin/logs/list", s.handler("api-logs-list", serverHttpAPI(s, s.httpServeLogsList)))
	mux.Handle("/api/admin/logs/get", s.handler("api-logs-get", serverHttpAPI(s, s.httpServeLogsGet)))
	return mux
}

// httpServeJobsAPI routes /api/v4/jobs/:id[/trace|/artifacts[/authorize]].
func (s *Server) httpServeJobsAPI(w http.ResponseWriter, r *http.Request) error {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v4/jobs/")
	idStr, sub, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return errNotFound()
	}
	switch {
	case sub == "" && r.Method == http.MethodPut:
		return s.httpServeUpdateJob(w, r, id)
	case sub == "trace" && r.Method == http.MethodPatch:
		return s.httpServeAppendTrace(w, r, id)
	case sub == "artifacts/authorize" && r.Method == http.MethodPost:
		return s.httpServeAuthorizeArtifact(w, r, id)
	case sub == "artifacts" && r.Method == http.MethodPost:
		return s.httpServeStoreArtifact(w, r, id)
	case sub == "artifacts" && r.Method == http.MethodGet:
		return s.httpServeDownloadArtifact(w, r, id)
	case sub == "" || sub == "trace" || sub == "artifacts" || sub == "artifacts/authorize":
		return newAPIError(http.StatusMethodNotAllowed, "405 Method Not Allowed")
	}
	return errNotFound()
}

func (s *Server) httpServeIndex(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Path != "/" {
		return errNotFound()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<div style="padding: 1rem;">`)
	fmt.Fprintf(w, `<h1>foreman</h1>`)
	fmt.Fprintf(w, `<p>I hand out CI jobs to runners, collect their logs and keep their artifacts.</p>`)
	fmt.Fprintf(w, `<h1>Explore</h1>`)
	fmt.Fprintf(w, `<ul>`)
	{
		fmt.Fprintf(w, `<li><a href="%s/runners">Runners & jobs</a></li>`, s.Config.ExternalURL)
		fmt.Fprintf(w, `<li><a href="%s/logs">Logs</a></li>`, s.Config.ExternalURL)
	}
	fmt.Fprintf(w, `</ul>`)
	fmt.Fprintf(w, `</div>`)
	return nil
}

func (s *Server) httpServeLogs(w http.ResponseWriter, r *http.Request) error {
	_, id := path.Split(r.URL.Path)
	if id == "" {
		logIDs, err := s.store.LogIDs(r.Context())
		if err != nil {
			return errors.Wrap(err, "LogIDs")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<ul>`)
		for _, id := range logIDs {
			fmt.Fprintf(w, `<li><a href="%s/logs/%s">%s</a></li>`, s.Config.ExternalURL, id, id)
		}
		fmt.Fprintf(w, `</ul>`)
		return nil
	}

	logs, err := s.store.Logs(r.Context(), id)
	if err != nil {
		return errors.Wrap(err, "Logs")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, log := range logs {
		fmt.Fprintf(w, "%v %v\n", log.Time.UTC().Format(time.RFC3339), log.Message)
	}
	return nil
}

func (s *Server) httpServeRunners(w http.ResponseWriter, r *http.Request) error {
	runners, err := s.store.Runners(r.Context())
	if err != nil {
		return errors.Wrap(err, "Runners")
	}
	activeJobs, err := s.store.Jobs(r.Context(), JobsFilter{Status: "running"})
	if err != nil {
		return errors.Wrap(err, "Jobs(running)")
	}
	pendingJobs, err := s.store.Jobs(r.Context(), JobsFilter{Status: "pending", Limit: 50})
	if err != nil {
		return errors.Wrap(err, "Jobs(pending)")
	}
	recentJobs, err := s.store.Jobs(r.Context(), JobsFilter{Limit: 50})
	if err != nil {
		return errors.Wrap(err, "Jobs(recent)")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	fmt.Fprintf(w, "<h2>Runners</h2>")
	{
		var values [][]string
		for _, runner := range runners {
			active := "yes"
			if !runner.Active {
				active = "paused"
			}
			values = append(values, []string{
				fmt.Sprint(runner.ID),
				html.EscapeString(runner.Description),
				string(runner.Type),
				html.EscapeString(strings.Join(runner.Tags, ", ")),
				active,
				html.EscapeString(runner.Info.Version),
				html.EscapeString(runner.Info.Platform + "/" + runner.Info.Architecture),
				runner.IPAddress,
				humanizeTimeRecent(runner.ContactedAt),
			})
		}
		tableStyle(w)
		table(w, []string{"id", "description", "type", "tags", "active", "version", "platform", "ip", "last contact"}, values)
	}

	jobTable := func(jobs []*Job) {
		var values [][]string
		for _, job := range jobs {
			runner := ""
			if job.RunnerID != nil {
				runner = fmt.Sprint(*job.RunnerID)
			}
			values = append(values, []string{
				fmt.Sprintf(`<a href="%v/jobs/%v">%v</a>`, s.Config.ExternalURL, job.ID, job.ID),
				string(job.Status),
				string(job.FailureReason),
				html.EscapeString(job.Name),
				job.Stage,
				runner,
				humanize.Time(job.UpdatedAt),
				job.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		tableStyle(w)
		table(w, []string{"id", "status", "failure", "name", "stage", "runner", "last updated", "created"}, values)
	}
	fmt.Fprintf(w, "<h2>Running jobs</h2>")
	jobTable(activeJobs)
	fmt.Fprintf(w, "<h2>Pending jobs</h2>")
	jobTable(pendingJobs)
	fmt.Fprintf(w, "<h2>Recent jobs</h2>")
	jobTable(recentJobs)
	return nil
}

// httpServeJobPage shows a job's trace. Viewing it counts as watching the trace.
func (s *Server) httpServeJobPage(w http.ResponseWriter, r *http.Request) error {
	_, idStr := path.Split(r.URL.Path)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return errNotFound()
	}
	resp, err := s.httpServeJobTrace(r.Context(), &api.JobRequestByID{ID: id})
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<meta http-equiv="refresh" content="%d">`, traceIntervalWatched)
	fmt.Fprintf(w, "<h2>Job %d (%s)</h2>", id, resp.Status)
	fmt.Fprintf(w, "<pre>%s</pre>", html.EscapeString(resp.Trace))
	return nil
}

func humanizeTimeRecent(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if time.Since(t) < 10*time.Second {
		return "now"
	}
	return humanize.Time(t)
}

func tableStyle(w io.Writer) {
	fmt.Fprintf(w, `
<style>
table {
    border: solid 1px #DDEEEE;
    border-collapse: collapse;
    border-spacing: 0;
}
table thead th {
    border: solid 1px #DDEEEE;
    background-color: #DDEFEF;
    padding: 0.75rem;
    text-align: left;
}
table tbody td {
    border: solid 1px #DDEEEE;
    padding: 0.75rem;
}
</style>`)
}

func table(w io.Writer, rows []string, values [][]string) {
	fmt.Fprintf(w, `<table>`)
	fmt.Fprintf(w, `<thead><tr>`)
	for _, label := range rows {
		fmt.Fprintf(w, "<th>%s</th>", label)
	}
	fmt.Fprintf(w, `</tr></thead>`)
	fmt.Fprintf(w, `<tbody>`)
	for _, row := range values {
		fmt.Fprintf(w, `<tr>`)
		for _, value := range row {
			fmt.Fprintf(w, `<td>%s</td>`, value)
		}
		fmt.Fprintf(w, `</tr>`)
	}
	fmt.Fprintf(w, `</tbody></table>`)
}

func (s *Server) httpBasicAuthMiddleware(handler handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if s.Config.Secret == "" {
			return errors.New("API not enabled; Config.Secret not configured.")
		}

		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.Config.Secret)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="foreman"`)
			w.WriteHeader(401)
			_, err := w.Write([]byte("Unauthorised.\n"))
			return err
		}

		return handler(w, r)
	}
}

func serverHttpAPI[Request any, Response any](s *Server, handler func(context.Context, *Request) (*Response, error)) handlerFunc {
	return s.httpBasicAuthMiddleware(func(w http.ResponseWriter, r *http.Request) error {
		if r.Method != "POST" {
			return errors.New("POST is required for this endpoint")
		}

		defer r.Body.Close()
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if err != io.EOF {
				return errors.Wrap(err, "Decode")
			}
		}
		resp, err := handler(r.Context(), &req)
		if err != nil {
			return err
		}
		return errors.Wrap(json.NewEncoder(w).Encode(resp), "Encode")
	})
}
