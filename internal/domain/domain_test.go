package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFileExtension(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"photo.png", "png"},
		{"PHOTO.JPG", "jpg"},
		{"archive.tar.gz", "gz"},
		{"notes.txt", "txt"},
		{"noext", "noext"},
		{"dir/sub/img.webp", "webp"},
		{`C:\Users\me\img.jpeg`, "jpeg"},
		{"trailing.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, FileExtension(tt.filename))
		})
	}
}

func TestArtifactKeys(t *testing.T) {
	id := "3f1c2f0e-8a7e-4c59-9a55-1f0a9b1c2d3e"

	assert.Equal(t, "uploads/"+id+".png", InputKey(id, "png"))
	assert.Equal(t, "processed/"+id+"_enhanced.jpg", OutputKey(id))
	assert.Equal(t, "uploads/"+id+".", InputPrefix(id))
	assert.Equal(t, id+"_enhanced.jpg", ArtifactName(OutputKey(id)))
	assert.Equal(t, id+".png", ArtifactName(InputKey(id, "png")))
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 60*time.Second, p.Delay)
	assert.Equal(t, 4, p.MaxAttempts())

	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(3))
	assert.False(t, p.ShouldRetry(4))

	none := RetryPolicy{}
	assert.False(t, none.ShouldRetry(1))
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusProcessing.Terminal())

	assert.True(t, StatusQueued.Valid())
	assert.False(t, Status("PENDING").Valid())
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("boom")

	t.Run("validation", func(t *testing.T) {
		err := fmt.Errorf("submit: %w", NewValidationError("Invalid file type '%s'", "txt"))
		assert.True(t, IsValidation(err))
		assert.Contains(t, err.Error(), "Invalid file type 'txt'")
	})

	t.Run("storage unwraps", func(t *testing.T) {
		err := &StorageError{Op: "put", Err: base}
		assert.ErrorIs(t, err, base)
		assert.False(t, IsValidation(err))
	})

	t.Run("dispatch unwraps", func(t *testing.T) {
		err := &DispatchError{Err: base}
		assert.ErrorIs(t, err, base)
	})

	t.Run("retryable wraps processing", func(t *testing.T) {
		err := NewRetryableError(&ProcessingError{Stage: StageEnhancing, Err: base})
		var retryable *RetryableError
		assert.ErrorAs(t, err, &retryable)
		var processing *ProcessingError
		assert.ErrorAs(t, err, &processing)
		assert.Equal(t, StageEnhancing, processing.Stage)
		assert.ErrorIs(t, err, base)
	})

	t.Run("timeout message", func(t *testing.T) {
		err := &TimeoutError{Limit: 5 * time.Minute}
		assert.Contains(t, err.Error(), "5m0s")
	})
}
