package domain

import (
	"path"
	"strings"
)

// Artifact key layout inside the store
const (
	UploadsPrefix   = "uploads/"
	ProcessedPrefix = "processed/"
	OutputSuffix    = "_enhanced.jpg"
	OutputQuality   = 95
)

// FileExtension returns the lowercased text after the last dot of filename.
// A name without a dot yields the whole name, which then fails the allowlist.
func FileExtension(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.ToLower(name[i+1:])
	}
	return strings.ToLower(name)
}

// InputKey is the artifact key of a job's uploaded input: uploads/{id}.{ext}
func InputKey(jobID, ext string) string {
	return UploadsPrefix + jobID + "." + ext
}

// InputPrefix matches every input artifact of a job regardless of extension
func InputPrefix(jobID string) string {
	return UploadsPrefix + jobID + "."
}

// OutputKey is the artifact key of a job's enhanced result: processed/{id}_enhanced.jpg
func OutputKey(jobID string) string {
	return ProcessedPrefix + jobID + OutputSuffix
}

// ArtifactName strips the kind prefix from a key, leaving the file name clients see
func ArtifactName(key string) string {
	return path.Base(key)
}
