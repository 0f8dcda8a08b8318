package objectstore

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hexops/autogold/v2"
)

func TestLocal(t *testing.T) {
	l := &Local{Dir: t.TempDir()}
	n, err := l.Put("artifacts/1/archive/artifacts.zip", strings.NewReader("zipdata"))
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(int64(7)).Equal(t, n)

	staged := filepath.Join(l.UploadDir(), "upload")
	if err := os.MkdirAll(l.UploadDir(), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(staged, []byte("moved"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := l.Move(staged, "artifacts/1/junit/junit.gz"); err != nil {
		t.Fatal(err)
	}
	f, err := l.Open("artifacts/1/junit/junit.gz")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	autogold.Expect("moved").Equal(t, string(data))

	if err := l.Remove("artifacts/1/junit/junit.gz"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Open("artifacts/1/junit/junit.gz"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := l.Remove("artifacts/1/junit/junit.gz"); err != nil {
		t.Fatalf("removing twice: %v", err)
	}
}

func testRemote(t *testing.T) *Remote {
	r, err := NewRemote(Config{
		Endpoint:  "objects.example.com",
		Region:    "us-east-1",
		Bucket:    "artifacts",
		AccessKey: "access",
		SecretKey: "secret",
		UseSSL:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestPresignUpload(t *testing.T) {
	r := testRemote(t)
	upload, err := r.PresignUpload(context.Background(), time.Hour, false, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ValidUploadID(upload.ID) {
		t.Fatalf("invalid ID %q", upload.ID)
	}
	for name, raw := range map[string]string{"get": upload.GetURL, "store": upload.StoreURL, "delete": upload.DeleteURL} {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		if u.Path != "/artifacts/tmp/uploads/"+upload.ID {
			t.Errorf("%s: path %q", name, u.Path)
		}
		if u.Query().Get("X-Amz-Signature") == "" {
			t.Errorf("%s: unsigned URL %q", name, raw)
		}
	}
	autogold.Expect(3600).Equal(t, upload.Timeout)
	if upload.MultipartUpload != nil {
		t.Fatal("unexpected multipart upload")
	}
}

func TestDownloadURL(t *testing.T) {
	r := testRemote(t)
	raw, err := r.DownloadURL(context.Background(), "artifacts/1/archive/artifacts.zip", "ci_build_artifacts.zip", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(`attachment; filename="ci_build_artifacts.zip"; filename*=UTF-8''ci_build_artifacts.zip`).Equal(t, u.Query().Get("response-content-disposition"))
}

func TestValidUploadID(t *testing.T) {
	if ValidUploadID("../../etc/passwd") {
		t.Fatal("path traversal accepted as upload ID")
	}
}
