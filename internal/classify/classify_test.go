package classify

import (
	"errors"
	"testing"

	"elidacore/internal/core"
)

type fakeDetector struct {
	hasPII bool
	err    error
}

func (f fakeDetector) Detect(string) (bool, error) { return f.hasPII, f.err }

func TestClassify_ConfidentialChunkWinsOverCleanQuery(t *testing.T) {
	o := New(fakeDetector{hasPII: false})
	retrieval := &core.RetrievalResult{Chunks: []core.ScoredChunk{
		{Bucket: core.BucketConfidential, DocumentID: "d1"},
	}}

	d, err := o.Classify("how do widgets work", retrieval)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Confidential || d.Reason != ReasonChunkFromConfidentialBucket {
		t.Fatalf("got %+v", d)
	}
}

func TestClassify_PIIInQueryWhenNoConfidentialChunks(t *testing.T) {
	o := New(fakeDetector{hasPII: true})
	retrieval := &core.RetrievalResult{Chunks: []core.ScoredChunk{
		{Bucket: core.BucketPublic, DocumentID: "d1"},
	}}

	d, err := o.Classify("my ssn is 123-45-6789", retrieval)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Confidential || d.Reason != ReasonQueryPII {
		t.Fatalf("got %+v", d)
	}
}

func TestClassify_NoSignal(t *testing.T) {
	o := New(fakeDetector{hasPII: false})
	d, err := o.Classify("how do widgets work", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Confidential || d.Reason != ReasonNoSignal {
		t.Fatalf("got %+v", d)
	}
}

func TestClassify_NilRetrievalFallsThroughToPII(t *testing.T) {
	o := New(fakeDetector{hasPII: true})
	d, err := o.Classify("email alice@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Confidential || d.Reason != ReasonQueryPII {
		t.Fatalf("got %+v", d)
	}
}

func TestClassify_PropagatesDetectorError(t *testing.T) {
	wantErr := errors.New("boom")
	o := New(fakeDetector{err: wantErr})
	_, err := o.Classify("anything", nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped detector error, got %v", err)
	}
}
