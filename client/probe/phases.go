package probe

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mrnimwx/speedprobe/client/metrics"
)

func (r *run) pingPhase(ctx context.Context) (float64, error) {
	ctx, span := r.phaseSpan(ctx, PhasePing)
	defer span.End()

	samples := make([]sample, 0, r.p.PingAttempts)
	for i := 0; i < r.p.PingAttempts; i++ {
		s := r.pingOnce(ctx)
		if err := interrupted(ctx); err != nil {
			return 0, err
		}
		r.record(ctx, PhasePing, s)
		samples = append(samples, s)
		r.step(PhasePing)
	}
	return aggregate(PhasePing, samples, r.p.Policy, SentinelPingMs)
}

// interrupted returns the context error when the run was cancelled. A
// passed deadline is not an interruption: the attempt in flight failed
// like any other timed out attempt and the remaining ones fail fast, so
// the phase ends through the profile's failure policy.
func interrupted(ctx context.Context) error {
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *run) pingOnce(ctx context.Context) sample {
	ctx, cancel := context.WithTimeout(ctx, r.p.PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.pingURL(), nil)
	if err != nil {
		return sample{err: err}
	}

	start := time.Now()
	resp, err := r.s.client.Do(req)
	if err != nil {
		return sample{err: transportErr(err)}
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sample{err: transportErr(statusError{resp.StatusCode})}
	}
	if err != nil {
		return sample{err: transportErr(err)}
	}
	return sample{value: elapsedMs(elapsed)}
}

func (r *run) downloadPhase(ctx context.Context) (float64, error) {
	ctx, span := r.phaseSpan(ctx, PhaseDownload)
	defer span.End()

	samples := make([]sample, 0, len(r.p.DownloadSizes))
	for _, size := range r.p.DownloadSizes {
		s := r.downloadOnce(ctx, size)
		if err := interrupted(ctx); err != nil {
			return 0, err
		}
		r.record(ctx, PhaseDownload, s)
		samples = append(samples, s)
		r.step(PhaseDownload)
	}
	return aggregate(PhaseDownload, samples, r.p.Policy, 0)
}

func (r *run) downloadOnce(ctx context.Context, size int64) sample {
	ctx, cancel := context.WithTimeout(ctx, r.p.TransferTimeout)
	defer cancel()

	path := "/test?size=" + strconv.FormatInt(size, 10)
	if r.p.VerifyDownload {
		path += "&hash=true&type=pattern"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(r.c.Port, path), nil)
	if err != nil {
		return sample{err: err}
	}

	start := time.Now()
	resp, err := r.s.client.Do(req)
	if err != nil {
		return sample{err: transportErr(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sample{err: transportErr(statusError{resp.StatusCode})}
	}

	var h hash.Hash
	dst := io.Discard
	if r.p.VerifyDownload {
		h = sha256.New()
		dst = h
	}

	n, err := io.Copy(dst, resp.Body)
	elapsed := time.Since(start)
	metrics.AddBytes(ctx, "download", n)
	if err != nil {
		return sample{err: transportErr(err)}
	}
	if n == 0 {
		return sample{err: transportErr(io.ErrUnexpectedEOF)}
	}

	if h != nil {
		want := resp.Header.Get("X-Data-Hash")
		if len(want) > 0 && !strings.EqualFold(want, hex.EncodeToString(h.Sum(nil))) {
			return sample{err: errHashMismatch}
		}
	}

	return sample{value: kbps(n, elapsed)}
}

type uploadRequest struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Hash string `json:"hash,omitempty"`
}

type uploadResponse struct {
	ReceivedBytes int64 `json:"received_bytes"`
}

type integrityResponse struct {
	DataIntegrity bool `json:"data_integrity"`
}

func (r *run) uploadPhase(ctx context.Context) (float64, error) {
	ctx, span := r.phaseSpan(ctx, PhaseUpload)
	defer span.End()

	samples := make([]sample, 0, len(r.p.UploadSizes))
	for _, size := range r.p.UploadSizes {
		s := r.uploadOnce(ctx, size)
		if err := interrupted(ctx); err != nil {
			return 0, err
		}
		r.record(ctx, PhaseUpload, s)
		samples = append(samples, s)
		r.step(PhaseUpload)
	}
	return aggregate(PhaseUpload, samples, r.p.Policy, 0)
}

func (r *run) uploadOnce(ctx context.Context, size int64) sample {
	body, err := json.Marshal(uploadRequest{Type: "upload", Data: Payload(int(size))})
	if err != nil {
		return sample{err: err}
	}

	start := time.Now()
	var resp uploadResponse
	if err := r.postJSON(ctx, body, &resp); err != nil {
		return sample{err: err}
	}
	elapsed := time.Since(start)

	if resp.ReceivedBytes <= 0 {
		return sample{err: transportErr(fmt.Errorf("endpoint reported %d bytes received", resp.ReceivedBytes))}
	}
	metrics.AddBytes(ctx, "upload", resp.ReceivedBytes)
	return sample{value: kbps(resp.ReceivedBytes, elapsed)}
}

// integrityPhase never fails on its own: a mismatch or a failed round
// trip both count as total loss.
func (r *run) integrityPhase(ctx context.Context) (float64, error) {
	ctx, span := r.phaseSpan(ctx, PhaseIntegrity)
	defer span.End()

	data := Payload(r.p.IntegritySize)
	sum := sha256.Sum256([]byte(data))

	body, err := json.Marshal(uploadRequest{
		Type: "data_integrity",
		Data: data,
		Hash: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return 0, err
	}

	var resp integrityResponse
	err = r.postJSON(ctx, body, &resp)
	if ctxErr := interrupted(ctx); ctxErr != nil {
		return 0, ctxErr
	}
	if err == nil && !resp.DataIntegrity {
		err = errHashMismatch
	}
	r.record(ctx, PhaseIntegrity, sample{err: err})
	r.step(PhaseIntegrity)

	if err != nil {
		return 100, nil
	}
	return 0, nil
}

func (r *run) postJSON(ctx context.Context, body []byte, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, r.p.TransferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url(r.c.Port, "/"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.s.client.Do(req)
	if err != nil {
		return transportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return transportErr(statusError{resp.StatusCode})
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return transportErr(err)
	}
	return nil
}
