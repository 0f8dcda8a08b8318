package ci

import "fmt"

// FileType is the kind of artifact a job uploaded.
type FileType string

const (
	FileArchive        FileType = "archive"
	FileMetadata       FileType = "metadata"
	FileTrace          FileType = "trace"
	FileJUnit          FileType = "junit"
	FileMetricsReferee FileType = "metrics_referee"
	FileNetworkReferee FileType = "network_referee"
	FileDotenv         FileType = "dotenv"
	FileCobertura      FileType = "cobertura"
	FileCodequality    FileType = "codequality"
	FileTerraform      FileType = "terraform"
	FileMetrics        FileType = "metrics"
)

// FileFormat is the encoding of an uploaded artifact.
type FileFormat string

const (
	FormatZip  FileFormat = "zip"
	FormatGzip FileFormat = "gzip"
	FormatRaw  FileFormat = "raw"
)

// fileFormats lists the single format each artifact type must be uploaded in.
var fileFormats = map[FileType]FileFormat{
	FileArchive:        FormatZip,
	FileMetadata:       FormatGzip,
	FileTrace:          FormatRaw,
	FileJUnit:          FormatGzip,
	FileMetricsReferee: FormatGzip,
	FileNetworkReferee: FormatGzip,
	FileDotenv:         FormatGzip,
	FileCobertura:      FormatGzip,
	FileCodequality:    FormatRaw,
	FileTerraform:      FormatRaw,
	FileMetrics:        FormatGzip,
}

// DefaultFormat returns the format required for an artifact type.
func DefaultFormat(t FileType) (FileFormat, bool) {
	f, ok := fileFormats[t]
	return f, ok
}

// ValidateArtifact checks that the type is known and the format is the one that type requires.
func ValidateArtifact(t FileType, f FileFormat) error {
	want, ok := fileFormats[t]
	if !ok {
		return fmt.Errorf("artifact_type %q is not supported", t)
	}
	if f != want {
		return fmt.Errorf("artifact_format %q is not valid for artifact_type %q, expected %q", f, t, want)
	}
	return nil
}

// DefaultFileName is the stored file name used when the upload did not carry one.
func DefaultFileName(t FileType, f FileFormat) string {
	switch f {
	case FormatZip:
		if t == FileArchive {
			return "artifacts.zip"
		}
		return string(t) + ".zip"
	case FormatGzip:
		return string(t) + ".gz"
	}
	return string(t) + ".txt"
}
