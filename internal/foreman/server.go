package foreman

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/objectstore"
	"github.com/hexops/foreman/internal/trace"
	"github.com/kardianos/service"
	"github.com/robfig/cron/v3"
)

// Server is a foreman process. It either serves the runner protocol and admin API, or, when
// Config.Runner.URL is set, acts as a runner taking jobs from another foreman server.
type Server struct {
	ConfigFile string
	Config     *Config

	started    bool
	store      *Store
	traces     *trace.Store
	local      *objectstore.Local
	remote     *objectstore.Remote
	cron       *cron.Cron
	httpServer *http.Server
	runner     *agent
	logFile    *os.File
}

func (s *Server) loadConfig() error {
	if s.Config == nil {
		if s.ConfigFile == "" {
			return errors.New("expected Config or ConfigFile to be specified")
		}
		s.Config = &Config{}
		return LoadConfig(s.ConfigFile, s.Config)
	}
	return nil
}

// open loads the configuration and opens the database and file stores.
func (s *Server) open() error {
	if err := s.loadConfig(); err != nil {
		return errors.Wrap(err, "loading config")
	}
	dir, err := s.Config.dataDir()
	if err != nil {
		return errors.Wrap(err, "dataDir")
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}

	s.store, err = OpenStore(filepath.Join(dir, "foreman.db") + "?_pragma=busy_timeout%3d10000")
	if err != nil {
		return errors.Wrap(err, "OpenStore")
	}
	s.traces = &trace.Store{Dir: filepath.Join(dir, "traces")}
	s.local = &objectstore.Local{Dir: filepath.Join(dir, "artifacts")}
	if s.Config.ObjectStore.Enabled {
		s.remote, err = objectstore.NewRemote(s.Config.ObjectStore.objectstore())
		if err != nil {
			return errors.Wrap(err, "NewRemote")
		}
	}
	return nil
}

func (s *Server) logf(format string, v ...any) {
	s.idLogf("general", format, v...)
}

func (s *Server) idLogf(id, format string, v ...any) {
	log.Printf(format, v...)
	if s.store != nil {
		s.store.Log(context.Background(), id, fmt.Sprintf(format, v...))
	}
}

func (s *Server) idWriter(id string) io.Writer {
	return writerFunc(func(p []byte) (n int, err error) {
		s.idLogf(id, "%s", p)
		return len(p), nil
	})
}

type writerFunc func(p []byte) (n int, err error)

func (w writerFunc) Write(p []byte) (n int, err error) {
	return w(p)
}

func jobLogID(id int64) string {
	return fmt.Sprintf("job-%d", id)
}

func (s *Server) Start(svc service.Service) error {
	logger, err := svc.Logger(nil)
	if err != nil {
		return errors.Wrap(err, "Logger")
	}
	go func() {
		if err := s.run(svc); err != nil {
			logger.Error(err)
			log.Fatal(err)
		}
	}()
	return nil
}

func (s *Server) run(svc service.Service) error {
	if err := s.open(); err != nil {
		return err
	}
	if err := s.openLogFile(); err != nil {
		return errors.Wrap(err, "openLogFile")
	}

	if s.Config.Runner.URL == "" {
		if err := s.httpStart(); err != nil {
			return errors.Wrap(err, "http")
		}
		if err := s.schedulerStart(); err != nil {
			return errors.Wrap(err, "scheduler")
		}
	} else {
		if err := s.runnerStart(); err != nil {
			return errors.Wrap(err, "runner")
		}
	}

	s.started = true

	// Wait here until CTRL-C or other term signal is received.
	s.logf("Running (press CTRL-C to exit.)")
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	fmt.Println("Interrupted, shutting down..")
	return errors.Wrap(svc.Stop(), "Stop")
}

func (s *Server) Stop(svc service.Service) error {
	if !s.started {
		return nil
	}
	if err := s.runnerStop(); err != nil {
		return errors.Wrap(err, "runner")
	}
	if err := s.schedulerStop(); err != nil {
		return errors.Wrap(err, "scheduler")
	}
	if err := s.httpStop(); err != nil {
		return errors.Wrap(err, "http")
	}
	if err := s.store.Close(); err != nil {
		return errors.Wrap(err, "Store.Close")
	}
	if s.logFile != nil {
		log.SetOutput(os.Stderr)
		return errors.Wrap(s.logFile.Close(), "logFile.Close")
	}
	return nil
}

// openLogFile mirrors the process log into Config.LogFilePath, one RFC3339 timestamped line per
// entry, for 'foreman service logs'.
func (s *Server) openLogFile() error {
	f, err := os.OpenFile(s.Config.LogFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, writerFunc(func(p []byte) (int, error) {
		_, err := fmt.Fprintf(f, "%s %s", time.Now().UTC().Format(time.RFC3339), p)
		return len(p), err
	})))
	return nil
}

// now is the clock used for job and artifact timestamps.
func (s *Server) now() time.Time {
	return s.store.now().UTC()
}

func ServiceStatus(svc service.Service) (string, error) {
	status, err := svc.Status()
	if err != nil {
		return "", err
	}
	if status == service.StatusUnknown {
		return "unknown", nil
	} else if status == service.StatusRunning {
		return "running", nil
	} else if status == service.StatusStopped {
		return "stopped", nil
	}
	panic(fmt.Sprintf("unexpected status: %v", status))
}
