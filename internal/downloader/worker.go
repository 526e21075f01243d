package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tachyon-dl/downloader/internal/downloaderr"
	"github.com/tachyon-dl/downloader/internal/slotpool"
)

type chunkOutcome int

const (
	chunkDone chunkOutcome = iota
	chunkFailed
	chunkCancelled
)

type chunkResult struct {
	outcome chunkOutcome
	url     string
	err     error
}

// runChunkWorker is the Chunk Worker: it resolves the task's active URL,
// issues a ranged GET, and streams the body into the destination file in
// bounded blocks, sampling throughput back to link health as it goes. It
// never mutates any state beyond its own byte range and the link-health
// samples -- crediting the task's progress counter, persistence and slot
// release are the caller's responsibility.
func runChunkWorker(ctx context.Context, t *Task, rs *rangeSlot, lease *slotpool.Lease) chunkResult {
	url, err := t.eng.links.GetActive(ctx, t.spec.TaskID, t.spec.Handle)
	if err != nil {
		return chunkResult{outcome: chunkFailed, err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return chunkResult{outcome: chunkFailed, url: url, err: downloaderr.Wrap(downloaderr.KindTransport, err)}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rs.offset, rs.offset+rs.length-1))
	req.Header.Set("User-Agent", GenericUserAgent)

	resp, err := t.eng.httpClient.Do(req)
	if err != nil {
		kind := downloaderr.KindTransport
		if ctx.Err() != nil {
			kind = downloaderr.KindCancelled
		}
		t.eng.links.ReportFailure(t.spec.TaskID, url, kind)
		outcome := chunkFailed
		if kind == downloaderr.KindCancelled {
			outcome = chunkCancelled
		}
		return chunkResult{outcome: outcome, url: url, err: downloaderr.Wrap(kind, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		kind := downloaderr.KindFromStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusOK {
			kind = downloaderr.KindRangeRejected
		}
		statusErr := downloaderr.NewStatusError(resp.StatusCode, resp.Status)
		t.eng.links.ReportFailure(t.spec.TaskID, url, kind)
		return chunkResult{outcome: chunkFailed, url: url, err: downloaderr.Wrap(kind, statusErr)}
	}

	buf := make([]byte, BufferSize)
	offset := rs.offset
	var written int64
	windowStart := time.Now()
	var windowBytes int64
	lastByteAt := time.Now()

	for written < rs.length {
		select {
		case <-ctx.Done():
			return chunkResult{outcome: chunkCancelled, url: url, err: ctx.Err()}
		default:
		}

		toRead := buf
		if remaining := rs.length - written; remaining < int64(len(buf)) {
			toRead = buf[:remaining]
		}

		n, readErr := resp.Body.Read(toRead)
		if n > 0 {
			if t.eng.bwLimiter != nil {
				if err := t.eng.bwLimiter.WaitN(ctx, n); err != nil {
					return chunkResult{outcome: chunkCancelled, url: url, err: err}
				}
			}
			if _, werr := t.file.WriteAt(toRead[:n], offset); werr != nil {
				return chunkResult{outcome: chunkFailed, url: url, err: downloaderr.Wrap(downloaderr.KindLocalIO, werr)}
			}
			offset += int64(n)
			written += int64(n)
			windowBytes += int64(n)
			lastByteAt = time.Now()

			if elapsed := time.Since(windowStart); elapsed >= 200*time.Millisecond {
				t.eng.links.RecordSample(t.spec.TaskID, url, windowBytes, elapsed)
				windowStart = time.Now()
				windowBytes = 0
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			kind := downloaderr.KindTransport
			if ctx.Err() != nil {
				kind = downloaderr.KindCancelled
			}
			t.eng.links.ReportFailure(t.spec.TaskID, url, kind)
			outcome := chunkFailed
			if kind == downloaderr.KindCancelled {
				outcome = chunkCancelled
			}
			return chunkResult{outcome: outcome, url: url, err: downloaderr.Wrap(kind, readErr)}
		}

		if time.Since(lastByteAt) > t.eng.links.StallTimeout() {
			t.eng.links.ReportStall(t.spec.TaskID)
		}
	}

	if windowBytes > 0 {
		t.eng.links.RecordSample(t.spec.TaskID, url, windowBytes, time.Since(windowStart))
	}

	if written < rs.length {
		// The server closed the body (or sent a short Content-Length) before
		// delivering the full range: a truncated chunk is a failure, not a
		// partial success, since accounting credits the planned range length
		// only on chunkDone.
		err := fmt.Errorf("truncated range: got %d of %d bytes", written, rs.length)
		t.eng.links.ReportFailure(t.spec.TaskID, url, downloaderr.KindTransport)
		return chunkResult{outcome: chunkFailed, url: url, err: downloaderr.Wrap(downloaderr.KindTransport, err)}
	}

	return chunkResult{outcome: chunkDone, url: url}
}
