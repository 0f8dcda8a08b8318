package foreman

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"github.com/hexops/foreman/internal/objectstore"
	"github.com/mholt/archiver/v4"
)

const (
	directUploadExpiry = 4 * time.Hour
	downloadURLExpiry  = 10 * time.Minute

	defaultPartSize         = 100 << 20
	defaultMultipartMaxSize = 5 << 30

	// workhorseIssuer is the issuer of signed upload proxy requests.
	workhorseIssuer = "gitlab-workhorse"
)

// multipartOverhead is allowed on top of the artifact size limit for form fields and part
// headers of a store request.
const multipartOverhead = 64 << 10

var errTooLarge = func() *apiError {
	return newAPIError(http.StatusRequestEntityTooLarge, "413 Request Entity Too Large")
}

// requireWorkhorse rejects artifact requests that did not come through the upload proxy.
func (s *Server) requireWorkhorse(r *http.Request) error {
	if r.Header.Get(api.HeaderWorkhorse) == "" {
		return errForbidden()
	}
	if s.Config.WorkhorseSecret == "" {
		return nil
	}
	raw := r.Header.Get(api.HeaderWorkhorseAPIRequest)
	if raw == "" {
		return errForbidden()
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.Config.WorkhorseSecret), nil
	})
	if err != nil || !token.Valid || claims.Issuer != workhorseIssuer {
		return errForbidden()
	}
	return nil
}

// artifactJob authenticates an artifact upload against a running job.
func (s *Server) artifactJob(r *http.Request, id int64) (*Job, error) {
	if err := s.requireWorkhorse(r); err != nil {
		return nil, err
	}
	job, err := s.authenticateJob(r.Context(), id, requestJobToken(r))
	if err != nil {
		return nil, err
	}
	if err := requireRunning(job); err != nil {
		return nil, err
	}
	return job, nil
}

// artifactKind validates artifact_type and artifact_format, defaulting to a zip archive.
func artifactKind(fileType, format string) (ci.FileType, ci.FileFormat, error) {
	t := ci.FileType(orDefault(fileType, string(ci.FileArchive)))
	f := ci.FileFormat(orDefault(format, string(ci.FormatZip)))
	if err := ci.ValidateArtifact(t, f); err != nil {
		return "", "", errBadRequest(err.Error())
	}
	return t, f, nil
}

// artifactSizeLimit is the maximum artifact size in bytes for a job's project, or nil when
// unlimited.
func (s *Server) artifactSizeLimit(ctx context.Context, job *Job) (*int64, error) {
	project, err := s.store.ProjectByID(ctx, job.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "ProjectByID")
	}
	chain, err := s.store.NamespaceChain(ctx, project.NamespaceID)
	if err != nil {
		return nil, errors.Wrap(err, "NamespaceChain")
	}
	namespaces := make([]*int64, 0, len(chain))
	for i := range chain {
		namespaces = append(namespaces, chain[i].MaxArtifactsSize)
	}
	limit := ci.ArtifactSizeLimit(project.MaxArtifactsSize, namespaces, s.Config.MaxArtifactsSize)
	if limit == nil {
		return nil, nil
	}
	n := ci.MegabytesToBytes(*limit)
	return &n, nil
}

func (s *Server) httpServeAuthorizeArtifact(w http.ResponseWriter, r *http.Request, id int64) error {
	job, err := s.artifactJob(r, id)
	if err != nil {
		return err
	}
	ctx := r.Context()
	query := r.URL.Query()
	if _, _, err := artifactKind(query.Get("artifact_type"), query.Get("artifact_format")); err != nil {
		return err
	}
	limit, err := s.artifactSizeLimit(ctx, job)
	if err != nil {
		return err
	}
	if v := query.Get("filesize"); v != "" && limit != nil {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errBadRequest("filesize is invalid")
		}
		if size > *limit {
			return errTooLarge()
		}
	}

	resp := &api.AuthorizeResponse{MaximumSize: limit}
	if s.remote != nil && s.Config.ObjectStore.DirectUpload {
		maxSize := int64(defaultMultipartMaxSize)
		if limit != nil {
			maxSize = *limit
		}
		partSize := s.Config.ObjectStore.PartSize
		if partSize <= 0 {
			partSize = defaultPartSize
		}
		resp.RemoteObject, err = s.remote.PresignUpload(ctx, directUploadExpiry, s.Config.ObjectStore.Multipart, maxSize, partSize)
		if err != nil {
			return errors.Wrap(err, "PresignUpload")
		}
	} else {
		if err := os.MkdirAll(s.local.UploadDir(), 0o700); err != nil {
			return errors.Wrap(err, "MkdirAll")
		}
		resp.TempPath = s.local.UploadDir()
	}
	return writeJSON(w, http.StatusOK, resp)
}

// upload is an artifact file received by the store call.
type upload struct {
	filename string
	size     int64

	// open reads the uploaded bytes from the start.
	open func(ctx context.Context) (io.ReadCloser, error)

	// remoteKey is set when the bytes are staged in the remote object store.
	remoteKey string

	// localPath is set when the bytes are staged on local disk by the upload proxy.
	localPath string
}

// receiveUpload finds the artifact file of a store request: a multipart file part, a file
// staged locally by the upload proxy, or an object uploaded straight to the bucket.
func (s *Server) receiveUpload(ctx context.Context, r *http.Request) (*upload, error) {
	name := r.FormValue("file.name")

	if id := r.FormValue("file.remote_id"); id != "" {
		missing := newAPIError(http.StatusInternalServerError, "Missing file")
		if s.remote == nil || !objectstore.ValidUploadID(id) {
			return nil, missing
		}
		key := objectstore.UploadKey(id)
		info, err := s.remote.Stat(ctx, key)
		if err == objectstore.ErrNotFound {
			return nil, missing
		}
		if err != nil {
			return nil, errors.Wrap(err, "Stat")
		}
		return &upload{
			filename:  name,
			size:      info.Size,
			remoteKey: key,
			open: func(ctx context.Context) (io.ReadCloser, error) {
				return s.remote.Open(ctx, key)
			},
		}, nil
	}

	if p := r.FormValue("file.path"); p != "" {
		rel, err := filepath.Rel(s.local.UploadDir(), filepath.Clean(p))
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return nil, errBadRequest("file.path is outside of the upload directory")
		}
		fi, err := os.Stat(p)
		if err != nil {
			return nil, errBadRequest("400 Bad request - Missing artifacts file!")
		}
		return &upload{
			filename:  orDefault(name, filepath.Base(p)),
			size:      fi.Size(),
			localPath: p,
			open: func(context.Context) (io.ReadCloser, error) {
				return os.Open(p)
			},
		}, nil
	}

	if r.MultipartForm != nil && len(r.MultipartForm.File["file"]) > 0 {
		fh := r.MultipartForm.File["file"][0]
		return &upload{
			filename: orDefault(name, fh.Filename),
			size:     fh.Size,
			open: func(context.Context) (io.ReadCloser, error) {
				return fh.Open()
			},
		}, nil
	}
	return nil, errBadRequest("400 Bad request - Missing artifacts file!")
}

// sniffFormat identifies the container format of an artifact from its leading bytes.
func sniffFormat(rd io.Reader) (ci.FileFormat, error) {
	format, _, err := archiver.Identify("", rd)
	if errors.Is(err, archiver.ErrNoMatch) {
		return ci.FormatRaw, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "Identify")
	}
	switch f := format.(type) {
	case archiver.Zip:
		return ci.FormatZip, nil
	case archiver.Gz:
		return ci.FormatGzip, nil
	case archiver.CompressedArchive:
		if _, ok := f.Compression.(archiver.Gz); ok {
			return ci.FormatGzip, nil
		}
	}
	return ci.FormatRaw, nil
}

// inspectUpload checks the upload is in the declared format and returns its sha256.
func inspectUpload(ctx context.Context, u *upload, format ci.FileFormat) (string, error) {
	if format != ci.FormatRaw {
		rc, err := u.open(ctx)
		if err != nil {
			return "", errors.Wrap(err, "open")
		}
		got, err := sniffFormat(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		if got != format {
			return "", errBadRequest(fmt.Sprintf("artifact_format %q does not match the uploaded file", format))
		}
	}
	rc, err := u.open(ctx)
	if err != nil {
		return "", errors.Wrap(err, "open")
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", errors.Wrap(err, "Copy")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// artifactKey is the object key of a stored artifact.
func artifactKey(jobID int64, fileType ci.FileType, filename string) string {
	return path.Join("jobs", strconv.FormatInt(jobID, 10), string(fileType), path.Base(filename))
}

// persistUpload moves an accepted upload to its final key and reports whether it is stored
// remotely.
func (s *Server) persistUpload(ctx context.Context, u *upload, key string) (remote bool, err error) {
	switch {
	case u.remoteKey != "":
		return true, errors.Wrap(s.remote.Move(ctx, u.remoteKey, key), "Move")
	case s.remote != nil:
		rc, err := u.open(ctx)
		if err != nil {
			return false, errors.Wrap(err, "open")
		}
		defer rc.Close()
		if err := s.remote.Put(ctx, key, rc, u.size); err != nil {
			return false, err
		}
		if u.localPath != "" {
			os.Remove(u.localPath)
		}
		return true, nil
	case u.localPath != "":
		return false, errors.Wrap(s.local.Move(u.localPath, key), "Move")
	}
	rc, err := u.open(ctx)
	if err != nil {
		return false, errors.Wrap(err, "open")
	}
	defer rc.Close()
	_, err = s.local.Put(key, rc)
	return false, errors.Wrap(err, "Put")
}

// removeArtifactFile deletes a stored artifact file from wherever it lives.
func (s *Server) removeArtifactFile(ctx context.Context, key string, remote bool) error {
	if remote {
		if s.remote == nil {
			return errors.New("artifact is stored remotely but no object store is configured")
		}
		return s.remote.Remove(ctx, key)
	}
	return s.local.Remove(key)
}

func (s *Server) httpServeStoreArtifact(w http.ResponseWriter, r *http.Request, id int64) error {
	job, err := s.artifactJob(r, id)
	if err != nil {
		return err
	}
	ctx := r.Context()
	limit, err := s.artifactSizeLimit(ctx, job)
	if err != nil {
		return err
	}
	if limit != nil {
		r.Body = http.MaxBytesReader(w, r.Body, *limit+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil && err != http.ErrNotMultipart {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errTooLarge()
		}
		return errBadRequest(fmt.Sprintf("invalid multipart form: %v", err))
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	fileType, format, err := artifactKind(r.FormValue("artifact_type"), r.FormValue("artifact_format"))
	if err != nil {
		return err
	}
	u, err := s.receiveUpload(ctx, r)
	if err != nil {
		return err
	}
	if limit != nil && u.size > *limit {
		return errTooLarge()
	}

	expireIn := r.FormValue("expire_in")
	if expireIn == "" {
		expireIn = s.Config.DefaultArtifactsExpireIn
	}
	d, never, err := ci.ParseExpireIn(expireIn)
	if err != nil {
		return errBadRequest(fmt.Sprintf("expire_in is invalid: %v", err))
	}

	sum, err := inspectUpload(ctx, u, format)
	if err != nil {
		return err
	}
	filename := orDefault(u.filename, ci.DefaultFileName(fileType, format))
	key := artifactKey(job.ID, fileType, filename)
	remote, err := s.persistUpload(ctx, u, key)
	if err != nil {
		return errors.Wrap(err, "persistUpload")
	}

	artifact := &Artifact{
		JobID:    job.ID,
		FileType: fileType,
		Format:   format,
		Filename: path.Base(filename),
		FileKey:  key,
		Size:     u.size,
		SHA256:   sum,
		Remote:   remote,
	}
	if !never {
		expireAt := s.now().Add(d)
		artifact.ExpireAt = &expireAt
	}
	replacedKey, replacedRemote, err := s.store.UpsertArtifact(ctx, artifact)
	if err != nil {
		return errors.Wrap(err, "UpsertArtifact")
	}
	if replacedKey != "" {
		if err := s.removeArtifactFile(ctx, replacedKey, replacedRemote); err != nil {
			s.idLogf(jobLogID(job.ID), "removing replaced artifact %s: %v", replacedKey, err)
		}
	}
	s.idLogf(jobLogID(job.ID), "artifact stored: %s %s (%d bytes)", fileType, artifact.Filename, artifact.Size)

	return writeJSON(w, http.StatusCreated, &api.StoreArtifactResponse{
		ID:           job.ID,
		ArtifactType: fileType,
		ArtifactsFile: api.ArtifactsFile{
			Filename: artifact.Filename,
			Size:     artifact.Size,
		},
		ExpireAt: artifact.ExpireAt,
	})
}

func (s *Server) httpServeDownloadArtifact(w http.ResponseWriter, r *http.Request, id int64) error {
	ctx := r.Context()
	job, err := s.authenticateJob(ctx, id, requestJobToken(r))
	if err != nil {
		return err
	}
	artifact, err := s.store.ArtifactByType(ctx, job.ID, ci.FileArchive)
	if err == ErrNotFound {
		return errNotFound()
	}
	if err != nil {
		return errors.Wrap(err, "ArtifactByType")
	}
	if artifact.Expired(s.now()) {
		pipeline, err := s.store.PipelineByID(ctx, job.PipelineID)
		if err != nil {
			return errors.Wrap(err, "PipelineByID")
		}
		if !pipeline.ArtifactsLocked {
			return errNotFound()
		}
	}

	disposition := objectstore.ContentDisposition(artifact.Filename)
	if artifact.Remote {
		if s.remote == nil {
			return errors.New("artifact is stored remotely but no object store is configured")
		}
		u, err := s.remote.DownloadURL(ctx, artifact.FileKey, artifact.Filename, downloadURLExpiry)
		if err != nil {
			return errors.Wrap(err, "DownloadURL")
		}
		if !s.Config.ObjectStore.ProxyDownload {
			http.Redirect(w, r, u, http.StatusFound)
			return nil
		}
		data, err := json.Marshal(&api.SendURLParams{URL: u, AllowRedirects: false})
		if err != nil {
			return errors.Wrap(err, "Marshal")
		}
		w.Header().Set(api.HeaderWorkhorseSendData, api.SendURLPrefix+base64.URLEncoding.EncodeToString(data))
		w.Header().Set("Content-Disposition", disposition)
		w.WriteHeader(http.StatusOK)
		return nil
	}

	f, err := s.local.Open(artifact.FileKey)
	if err == objectstore.ErrNotFound {
		return errNotFound()
	}
	if err != nil {
		return errors.Wrap(err, "Open")
	}
	defer f.Close()
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, artifact.Filename, artifact.CreatedAt, f)
	return nil
}
