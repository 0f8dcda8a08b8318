package foreman

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"github.com/hexops/foreman/internal/shell"
	"github.com/hexops/foreman/internal/trace"
)

const runnerLogID = "runner"

// agent takes jobs from a foreman server and runs them with the shell executor, one at a time.
type agent struct {
	s      *Server
	client *api.RunnerClient
	cancel context.CancelFunc
	done   chan struct{}
}

func runnerInfo() *api.RunnerInfo {
	return &api.RunnerInfo{
		Name:         "foreman-runner",
		Version:      Version,
		Revision:     CommitTitle,
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
		Executor:     "shell",
		Features: map[string]bool{
			"artifacts":                 true,
			"upload_multiple_artifacts": true,
			"refspecs":                  true,
			"cancelable":                true,
			"trace_checksum":            true,
		},
	}
}

func (s *Server) runnerStart() error {
	if s.Config.Runner.URL == "" {
		return errors.New("runner: Config.Runner.URL must be configured")
	}
	a := &agent{
		s:      s,
		client: &api.RunnerClient{URL: s.Config.Runner.URL, UserAgent: "foreman-runner " + Version},
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if err := a.register(ctx); err != nil {
		cancel()
		return err
	}
	s.runner = a
	go func() {
		defer close(a.done)
		a.poll(ctx)
	}()
	return nil
}

func (s *Server) runnerStop() error {
	if s.runner == nil {
		return nil
	}
	s.runner.cancel()
	<-s.runner.done
	return nil
}

// register obtains a runner token on first start and writes it back to the config file, or
// verifies the configured token.
func (a *agent) register(ctx context.Context) error {
	cfg := &a.s.Config.Runner
	if cfg.Token != "" {
		if err := a.client.Verify(ctx, cfg.Token); err != nil {
			return errors.Wrap(err, "Verify")
		}
		return nil
	}
	if cfg.RegistrationToken == "" {
		return errors.New("runner: Config.Runner.Token or Config.Runner.RegistrationToken must be configured")
	}
	runUntagged := cfg.RunUntagged
	resp, err := a.client.Register(ctx, &api.RegisterRunnerRequest{
		Token:       cfg.RegistrationToken,
		Description: cfg.Description,
		Info:        runnerInfo(),
		RunUntagged: &runUntagged,
		TagList:     cfg.Tags,
	})
	if err != nil {
		return errors.Wrap(err, "Register")
	}
	cfg.Token = resp.Token
	a.s.idLogf(runnerLogID, "registered as runner %d", resp.ID)
	if a.s.ConfigFile != "" {
		return errors.Wrap(a.s.Config.WriteTo(a.s.ConfigFile), "WriteTo")
	}
	return nil
}

func (a *agent) poll(ctx context.Context) {
	interval := durationOr(a.s.Config.Runner.PollInterval, 3*time.Second)
	var (
		lastUpdate string
		connected  bool
		started    bool
	)
	for {
		if started {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
		started = true

		job, version, err := a.client.RequestJob(ctx, &api.JobRequest{
			Token:      a.s.Config.Runner.Token,
			LastUpdate: lastUpdate,
			Info:       runnerInfo(),
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.s.idLogf(runnerLogID, "error: %v", err)
			continue
		}
		lastUpdate = version
		if !connected {
			connected = true
			a.s.idLogf(runnerLogID, "working for %s", a.s.Config.Runner.URL)
		}
		if job == nil {
			continue
		}
		a.s.idLogf(runnerLogID, "running job: id=%v name=%v", job.ID, job.JobInfo.Name)
		a.runJob(ctx, job)
		started = false
	}
}

// jobTrace buffers a job's output and streams it to the server. Masked values are replaced
// before they reach the buffer. The last len(longest mask)-1 bytes are held back in tail until
// the next write or drain, so a value split across writes is still masked.
type jobTrace struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	tail     string
	sent     int64
	masks    []string
	interval time.Duration
}

func (t *jobTrace) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.tail + string(p)
	keep := 0
	for _, mask := range t.masks {
		data = strings.ReplaceAll(data, mask, "[MASKED]")
		if len(mask)-1 > keep {
			keep = len(mask) - 1
		}
	}
	if keep > len(data) {
		keep = len(data)
	}
	t.buf.WriteString(data[:len(data)-keep])
	t.tail = data[len(data)-keep:]
	return len(p), nil
}

// drain moves held back output into the buffer. No further writes may follow.
func (t *jobTrace) drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.WriteString(t.tail)
	t.tail = ""
}

func (t *jobTrace) Printf(format string, v ...any) {
	fmt.Fprintf(t, format+"\n", v...)
}

// flush sends unsent output. It reports false when the server no longer considers the job
// running.
func (a *agent) flush(ctx context.Context, job *api.JobResponse, t *jobTrace) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		t.mu.Lock()
		data := append([]byte(nil), t.buf.Bytes()[t.sent:]...)
		offset := t.sent
		t.mu.Unlock()

		// An empty append still reports the job status, which is how cancellation is noticed.
		result, err := a.client.PatchTrace(ctx, job.ID, job.Token, offset, data)
		var statusErr *api.StatusError
		if errors.As(err, &statusErr) && statusErr.JobStatus != "" {
			return statusErr.JobStatus == string(ci.StatusRunning), nil
		}
		if err != nil {
			return true, err
		}
		t.mu.Lock()
		if result.UpdateInterval > 0 {
			t.interval = result.UpdateInterval
		}
		if result.Length <= int64(t.buf.Len()) {
			t.sent = result.Length
		}
		t.mu.Unlock()
		if result.JobStatus != "" && result.JobStatus != string(ci.StatusRunning) {
			return false, nil
		}
		if result.Accepted {
			return true, nil
		}
	}
	return true, nil
}

func (a *agent) runJob(ctx context.Context, job *api.JobResponse) {
	t := &jobTrace{interval: 3 * time.Second}
	for _, v := range job.Variables {
		if v.Masked && len(v.Value) >= 8 {
			t.masks = append(t.masks, v.Value)
		}
	}
	t.masks = append(t.masks, job.Token)

	timeout := time.Duration(job.RunnerInfo.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	jobCtx, cancelJob := context.WithTimeout(ctx, timeout)
	defer cancelJob()

	// Stream output until the job finishes, cancelling it when the server stops it.
	var canceled bool
	streamDone := make(chan struct{})
	streamStopped := make(chan struct{})
	go func() {
		defer close(streamStopped)
		for {
			t.mu.Lock()
			interval := t.interval
			t.mu.Unlock()
			select {
			case <-streamDone:
				return
			case <-time.After(interval):
			}
			running, err := a.flush(ctx, job, t)
			if err != nil {
				a.s.idLogf(runnerLogID, "job %d: trace: %v", job.ID, err)
				continue
			}
			if !running {
				canceled = true
				cancelJob()
				return
			}
		}
	}()

	exitCode, reason, err := a.execute(jobCtx, job, t)
	close(streamDone)
	<-streamStopped

	if canceled || ctx.Err() != nil {
		a.s.idLogf(runnerLogID, "job %d: canceled", job.ID)
		return
	}
	state := ci.StatusSuccess
	if err != nil {
		state = ci.StatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ci.FailureJobExecutionTimeout
			t.Printf("ERROR: Job failed: execution took longer than %v seconds", job.RunnerInfo.Timeout)
		} else {
			t.Printf("ERROR: Job failed: %v", err)
		}
	} else {
		t.Printf("Job succeeded")
	}
	t.drain()
	if running, err := a.flush(ctx, job, t); err != nil || !running {
		a.s.idLogf(runnerLogID, "job %d: final trace: running=%v err=%v", job.ID, running, err)
	}

	t.mu.Lock()
	checksum := trace.Checksum(t.buf.Bytes())
	t.mu.Unlock()
	update := &api.UpdateJobRequest{
		Token:    job.Token,
		State:    string(state),
		Checksum: checksum,
		Info:     runnerInfo(),
	}
	if state == ci.StatusFailed {
		update.FailureReason = string(reason)
		update.ExitCode = exitCode
	}
	if _, err := a.client.UpdateJob(ctx, job.ID, update); err != nil {
		a.s.idLogf(runnerLogID, "job %d: update: %v", job.ID, err)
		return
	}
	a.s.idLogf(runnerLogID, "job %d: %s", job.ID, state)
}

// buildDir is where a project's sources are checked out. It is kept between jobs.
func (a *agent) buildDir(job *api.JobResponse) (string, error) {
	dir := a.s.Config.Runner.BuildsDir
	if dir == "" {
		dataDir, err := a.s.Config.dataDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(dataDir, "builds")
	}
	return filepath.Join(dir, strconv.FormatInt(job.JobInfo.ProjectID, 10), job.JobInfo.ProjectName), nil
}

// execute prepares the build directory and runs the job's steps and artifact uploads. A failed
// step returns its exit code and failure reason along with the error.
func (a *agent) execute(ctx context.Context, job *api.JobResponse, t *jobTrace) (*int, ci.FailureReason, error) {
	t.Printf("Running with foreman-runner %s on %s/%s", Version, runtime.GOOS, runtime.GOARCH)
	dir, err := a.buildDir(job)
	if err != nil {
		return nil, ci.FailureRunnerSystem, err
	}

	var opts []shell.CmdOption
	opts = append(opts, shell.WorkDir(dir))
	for _, v := range job.Variables {
		opts = append(opts, shell.Env(v.Key, v.Value))
	}
	opts = append(opts, shell.Env("CI_PROJECT_DIR", dir), shell.Env("CI_BUILDS_DIR", filepath.Dir(filepath.Dir(dir))))

	if strategy, _ := job.Variables.Lookup("GIT_STRATEGY"); strategy == "none" {
		t.Printf("Skipping Git repository setup")
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, ci.FailureRunnerSystem, errors.Wrap(err, "MkdirAll")
		}
	} else {
		t.Printf("Fetching changes for %s at %s", job.GitInfo.Ref, job.GitInfo.SHA)
		checkout := shell.GitCheckout(dir, job.GitInfo.RepoURL, job.GitInfo.Refspecs, job.GitInfo.Depth, job.GitInfo.SHA)
		if err := checkout(ctx, t); err != nil {
			return nil, ci.FailureRunnerSystem, err
		}
	}

	if err := a.downloadDependencies(ctx, job, dir, t); err != nil {
		return nil, ci.FailureRunnerSystem, err
	}

	var (
		stepErr  error
		exitCode *int
		reason   ci.FailureReason
	)
	for _, step := range job.Steps {
		if step.When != "always" && stepErr != nil {
			continue
		}
		cmd := shell.Script(step.Script, opts...)
		if step.AllowFailure {
			cmd = cmd.IgnoreError()
		}
		if err := cmd(ctx, t); err != nil && stepErr == nil {
			stepErr, reason = err, ci.FailureScript
			var exitErr *shell.ExitError
			if errors.As(err, &exitErr) {
				code := exitErr.Code
				exitCode = &code
			}
		}
	}

	for _, artifact := range job.Artifacts {
		if !artifactWanted(artifact.When, stepErr == nil) {
			continue
		}
		if err := a.uploadArtifact(ctx, job, dir, artifact, t); err != nil {
			t.Printf("WARNING: uploading %s: %v", artifact.ArtifactType, err)
			if stepErr == nil {
				stepErr, reason = err, ci.FailureRunnerSystem
			}
		}
	}
	return exitCode, reason, stepErr
}

func artifactWanted(when string, succeeded bool) bool {
	switch when {
	case "always":
		return true
	case "on_failure":
		return !succeeded
	}
	return succeeded
}

func (a *agent) downloadDependencies(ctx context.Context, job *api.JobResponse, dir string, t *jobTrace) error {
	for _, dep := range job.Dependencies {
		if dep.ArtifactsFile == nil {
			continue
		}
		t.Printf("Downloading artifacts for %s (%d)", dep.Name, dep.ID)
		body, err := a.client.DownloadArtifact(ctx, dep.ID, dep.Token)
		if err != nil {
			return errors.Wrapf(err, "downloading artifacts of %s", dep.Name)
		}
		tmp, err := os.CreateTemp("", "foreman-artifacts-*-"+filepath.Base(dep.ArtifactsFile.Filename))
		if err != nil {
			body.Close()
			return errors.Wrap(err, "CreateTemp")
		}
		_, err = tmp.ReadFrom(body)
		body.Close()
		tmp.Close()
		if err == nil {
			err = shell.ExtractArchive(tmp.Name(), dir)(ctx, t)
		}
		os.Remove(tmp.Name())
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *agent) uploadArtifact(ctx context.Context, job *api.JobResponse, dir string, artifact api.Artifact, t *jobTrace) error {
	files, err := shell.Glob(dir, artifact.Paths, artifact.Exclude)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		t.Printf("WARNING: %s: no files to upload", artifact.Name)
		return nil
	}
	t.Printf("Uploading %s: %d files", artifact.ArtifactType, len(files))

	var gzip bool
	switch artifact.ArtifactFormat {
	case ci.FormatZip, "":
	case ci.FormatGzip:
		gzip = true
	default:
		return fmt.Errorf("unsupported artifact format %q", artifact.ArtifactFormat)
	}
	tmp, err := os.CreateTemp("", "foreman-upload-*")
	if err != nil {
		return errors.Wrap(err, "CreateTemp")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := shell.CreateArchive(ctx, tmp, dir, files, gzip); err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "Seek")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "Seek")
	}

	filename := ci.DefaultFileName(artifact.ArtifactType, artifact.ArtifactFormat)
	if artifact.ArtifactType == ci.FileArchive {
		filename = artifact.Name + ".zip"
	}
	return a.client.UploadArtifact(ctx, job.ID, job.Token, &api.ArtifactUpload{
		Type:     string(artifact.ArtifactType),
		Format:   string(artifact.ArtifactFormat),
		ExpireIn: artifact.ExpireIn,
		Filename: filename,
		Size:     size,
		Body:     tmp,
	})
}
