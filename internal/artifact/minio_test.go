package artifact

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listPageTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>images</Name><Prefix>uploads/</Prefix><KeyCount>1</KeyCount><MaxKeys>1000</MaxKeys>
<IsTruncated>%t</IsTruncated><NextContinuationToken>%s</NextContinuationToken>
<Contents><Key>%s</Key><LastModified>2026-10-01T10:00:00.000Z</LastModified><ETag>"d41d8cd98f00b204e9800998ecf8427e"</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>
</ListBucketResult>`

// fakeS3 serves a two page listing of the images bucket
type fakeS3 struct {
	secondPageErr atomic.Bool
	listCalls     atomic.Int32
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case q.Has("location"):
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
	case q.Get("list-type") == "2":
		f.listCalls.Add(1)
		w.Header().Set("Content-Type", "application/xml")
		if q.Get("continuation-token") == "" {
			fmt.Fprintf(w, listPageTemplate, true, "page-2", "uploads/b.png", 20)
			return
		}
		if f.secondPageErr.Load() {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message><BucketName>images</BucketName></Error>`)
			return
		}
		fmt.Fprintf(w, listPageTemplate, false, "", "uploads/a.png", 10)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newFakeMinIOStore(t *testing.T, fake *fakeS3) *MinIOStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewMinIOStore(context.Background(), MinIOConfig{
		Endpoint:   strings.TrimPrefix(srv.URL, "http://"),
		AccessKey:  "minioadmin",
		SecretKey:  "minioadmin",
		BucketName: "images",
	})
	require.NoError(t, err)
	return s
}

func TestMinIOStore_ListPages(t *testing.T) {
	fake := &fakeS3{}
	s := newFakeMinIOStore(t, fake)

	items, err := s.List(context.Background(), "uploads/")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "uploads/a.png", items[0].Key)
	assert.Equal(t, int64(10), items[0].Size)
	assert.Equal(t, "uploads/b.png", items[1].Key)
	assert.Equal(t, int32(2), fake.listCalls.Load())
}

func TestMinIOStore_ListStopsOnError(t *testing.T) {
	fake := &fakeS3{}
	fake.secondPageErr.Store(true)
	s := newFakeMinIOStore(t, fake)

	items, err := s.List(context.Background(), "uploads/")
	assert.Nil(t, items)
	assert.ErrorContains(t, err, "failed to list objects")

	// a second listing still works after the first was abandoned
	fake.secondPageErr.Store(false)
	calls := fake.listCalls.Load()
	items, err = s.List(context.Background(), "uploads/")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, calls+2, fake.listCalls.Load())
}
