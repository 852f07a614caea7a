package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skysolve/internal/fitstbl"
	"skysolve/internal/imgdata"
	"skysolve/internal/params"
	"skysolve/internal/wcs"
)

// onlineStatusInterval is how often job status is polled; a variable so
// tests can tighten it.
var onlineStatusInterval = 5 * time.Second

const onlineJobRetries = 90

// OnlineWorker submits the field to a remote astrometry.net-compatible
// service and polls for the result. The service parallelizes internally, so
// this worker never spawns children.
type OnlineWorker struct {
	workerBase
	extractor Extractor
	wcsReader WCSReader
	client    *http.Client
	apiURL    string
	apiKey    string

	session string
	xylsTmp string
}

// NewOnlineWorker builds a worker for the remote service at cfg.APIURL.
func NewOnlineWorker(proc ProcessType, img *imgdata.ImageDescriptor, par params.Parameters, cfg WorkerConfig) *OnlineWorker {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	w := &OnlineWorker{
		workerBase: newWorkerBase(proc, img, par, "onlineSolver", cfg),
		extractor:  cfg.Extractor,
		wcsReader:  cfg.WCSReader,
		client:     client,
		apiURL:     cfg.APIURL,
		apiKey:     cfg.APIKey,
	}
	if w.wcsReader == nil {
		w.wcsReader = FileWCSReader{}
	}
	if !strings.HasPrefix(w.apiURL, "http") {
		w.apiURL = "http://" + w.apiURL
	}
	return w
}

func (w *OnlineWorker) ExecuteBlocking(ctx context.Context) int {
	runCtx, ok := w.beginRun(ctx)
	if !ok {
		<-w.done
		return w.Code()
	}
	w.run(runCtx)
	return w.Code()
}

func (w *OnlineWorker) ExecuteAsync(ctx context.Context) {
	runCtx, ok := w.beginRun(ctx)
	if !ok {
		return
	}
	go w.run(runCtx)
}

func (w *OnlineWorker) Wait() int {
	<-w.done
	return w.Code()
}

// SpawnChild is unsupported: the remote service already searches scales and
// depths concurrently on its side.
func (w *OnlineWorker) SpawnChild(int) (Worker, error) {
	return nil, errors.New("the online back-end does not parallelize locally")
}

// Extract pre-builds the xy list that would otherwise be produced on the
// way into an upload.
func (w *OnlineWorker) Extract(ctx context.Context) error {
	if w.procType != IntExtractOnlineSolve {
		return errors.New("the online back-end only extracts as part of an upload")
	}
	return w.extractForUpload(ctx)
}

func (w *OnlineWorker) run(ctx context.Context) {
	if w.par.MultiAlgorithm != params.NotMulti {
		w.log("the online solver schedules internally, ignoring the multi-algorithm option")
	}

	uploadPath := w.fileToProcess
	if w.procType == IntExtractOnlineSolve {
		if err := w.extractForUpload(ctx); err != nil {
			w.failWith(KindOf(err), err)
			return
		}
		uploadPath = w.xylsTmp
		defer os.Remove(w.xylsTmp)
	}
	if uploadPath == "" {
		w.failWith(KindInvalidInput, errors.New("online solving needs a file to upload"))
		return
	}

	solveCtx := ctx
	if w.par.SolverTimeLimit > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, time.Duration(w.par.SolverTimeLimit)*time.Second)
		defer cancel()
	}

	if err := w.solveOnline(solveCtx, uploadPath); err != nil {
		w.failWith(w.classifyOnlineErr(err), err)
		return
	}
	w.finish(0)
}

// extractForUpload runs the in-process extractor and writes the star list
// as the slim X/Y table the service accepts.
func (w *OnlineWorker) extractForUpload(ctx context.Context) error {
	if w.extractor == nil {
		return &SolveError{Kind: KindInvalidInput, Err: errors.New("no extractor registered")}
	}
	res, err := w.extractor.Extract(ctx, ExtractionRequest{
		Image:  w.img,
		Region: w.img.Region(),
		Params: w.par,
	})
	if err != nil {
		return &SolveError{Kind: KindExtractionFailed, Err: err}
	}
	stars := ApplyStarFilters(res.Stars, w.par, w.img.Format, w.log)
	if len(stars) < minSolveStars {
		return &SolveError{Kind: KindInsufficientStars,
			Err: fmt.Errorf("%d stars after filtering, need at least %d", len(stars), minSolveStars)}
	}
	w.mu.Lock()
	w.stars = stars
	w.background = res.Background
	w.hasExtracted = true
	w.mu.Unlock()

	w.xylsTmp = filepath.Join(w.basePath, w.baseName+".xyls")
	// The upload endpoint rejects the X_IMAGE/Y_IMAGE names the offline
	// solver wants; it expects plain X and Y.
	return fitstbl.WriteXYList(w.xylsTmp, stars, w.img.Width, w.img.Height,
		fitstbl.Options{XColumn: "X", YColumn: "Y"})
}

func (w *OnlineWorker) solveOnline(ctx context.Context, uploadPath string) error {
	w.log("authenticating with %s", w.apiURL)
	if err := w.login(ctx); err != nil {
		return err
	}

	w.log("uploading %s", filepath.Base(uploadPath))
	subID, err := w.upload(ctx, uploadPath)
	if err != nil {
		return err
	}

	jobID, err := w.waitForJob(ctx, subID)
	if err != nil {
		return err
	}
	w.log("job %d accepted, monitoring", jobID)

	if err := w.waitForSolve(ctx, jobID); err != nil {
		return err
	}

	sol, err := w.fetchCalibration(ctx, jobID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.solution = sol
	w.hasSolved = true
	w.mu.Unlock()
	w.log("field center (RA,Dec) = (%.6f, %.6f) deg", sol.RA, sol.Dec)

	// The wcs file is best effort: the solve already succeeded, and the
	// download occasionally lags behind the job status.
	if proj, err := w.fetchWCSFile(ctx, jobID); err == nil {
		w.mu.Lock()
		w.projector = proj
		w.hasWCS = true
		w.mu.Unlock()
	} else {
		w.log("wcs file not retrieved: %v", err)
	}
	return nil
}

func (w *OnlineWorker) login(ctx context.Context) error {
	var resp struct {
		Status  string `json:"status"`
		Session string `json:"session"`
		Message string `json:"errormessage"`
	}
	if err := w.postJSON(ctx, "/api/login", map[string]any{"apikey": w.apiKey}, &resp); err != nil {
		return err
	}
	if resp.Status != "success" || resp.Session == "" {
		return &SolveError{Kind: KindTransportFailure,
			Err: fmt.Errorf("login rejected: %s", resp.Message)}
	}
	w.session = resp.Session
	return nil
}

func (w *OnlineWorker) upload(ctx context.Context, path string) (int64, error) {
	reqJSON := map[string]any{
		"publicly_visible":     "n",
		"allow_modifications":  "n",
		"allow_commercial_use": "n",
		"session":              w.session,
		"parity":               w.par.SearchParity,
		"crpix_center":         true,
	}
	if w.procType == IntExtractOnlineSolve {
		reqJSON["image_width"] = w.img.Width
		reqJSON["image_height"] = w.img.Height
	}
	if w.useScale {
		reqJSON["scale_type"] = "ul"
		reqJSON["scale_units"] = w.scaleUnit.String()
		reqJSON["scale_lower"] = w.scaleLo
		reqJSON["scale_upper"] = w.scaleHi
	}
	if w.usePosition {
		reqJSON["center_ra"] = w.searchRA
		reqJSON["center_dec"] = w.searchDec
		reqJSON["radius"] = w.par.SearchRadius
	}
	if w.par.Downsample > 1 {
		reqJSON["downsample_factor"] = w.par.Downsample
	}

	jsonBytes, err := json.Marshal(reqJSON)
	if err != nil {
		return 0, &SolveError{Kind: KindInvalidInput, Err: err}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("request-json", string(jsonBytes)); err != nil {
		return 0, &SolveError{Kind: KindTransportFailure, Err: err}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return 0, &SolveError{Kind: KindTransportFailure, Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, &SolveError{Kind: KindInvalidInput, Err: err}
	}
	_, copyErr := io.Copy(part, f)
	f.Close()
	if copyErr != nil {
		return 0, &SolveError{Kind: KindTransportFailure, Err: copyErr}
	}
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL+"/api/upload", &body)
	if err != nil {
		return 0, &SolveError{Kind: KindTransportFailure, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		Status string `json:"status"`
		SubID  int64  `json:"subid"`
	}
	if err := w.doJSON(req, &resp); err != nil {
		return 0, err
	}
	if resp.Status != "success" {
		return 0, &SolveError{Kind: KindTransportFailure,
			Err: fmt.Errorf("upload rejected with status %q", resp.Status)}
	}
	return resp.SubID, nil
}

// waitForJob polls the submission until the service assigns a job ID.
func (w *OnlineWorker) waitForJob(ctx context.Context, subID int64) (int64, error) {
	for attempt := 0; attempt < onlineJobRetries; attempt++ {
		var resp struct {
			Jobs []*int64 `json:"jobs"`
		}
		if err := w.getJSON(ctx, fmt.Sprintf("/api/submissions/%d", subID), &resp); err != nil {
			return 0, err
		}
		for _, job := range resp.Jobs {
			if job != nil && *job != 0 {
				return *job, nil
			}
		}
		if err := sleepCtx(ctx, onlineStatusInterval); err != nil {
			return 0, err
		}
	}
	return 0, &SolveError{Kind: KindTransportFailure,
		Err: errors.New("job never left the submission queue")}
}

func (w *OnlineWorker) waitForSolve(ctx context.Context, jobID int64) error {
	for {
		var resp struct {
			Status string `json:"status"`
		}
		if err := w.getJSON(ctx, fmt.Sprintf("/api/jobs/%d", jobID), &resp); err != nil {
			return err
		}
		switch resp.Status {
		case "success":
			return nil
		case "failure":
			return &SolveError{Kind: KindNoSolution,
				Err: errors.New("the service could not solve the field")}
		}
		if err := sleepCtx(ctx, onlineStatusInterval); err != nil {
			return err
		}
	}
}

func (w *OnlineWorker) fetchCalibration(ctx context.Context, jobID int64) (imgdata.Solution, error) {
	var cal struct {
		RA          float64 `json:"ra"`
		Dec         float64 `json:"dec"`
		WidthArcsec float64 `json:"width_arcsec"`
		HeightAsec  float64 `json:"height_arcsec"`
		PixScale    float64 `json:"pixscale"`
		Orientation float64 `json:"orientation"`
		Parity      float64 `json:"parity"`
	}
	if err := w.getJSON(ctx, fmt.Sprintf("/api/jobs/%d/calibration", jobID), &cal); err != nil {
		return imgdata.Solution{}, err
	}
	parity := "neg"
	if cal.Parity < 0.5 {
		parity = "pos"
	}
	sol := imgdata.Solution{
		RA:          cal.RA,
		Dec:         cal.Dec,
		RAStr:       wcs.RAToHMS(cal.RA),
		DecStr:      wcs.DecToDMS(cal.Dec),
		Orientation: cal.Orientation,
		PixScale:    cal.PixScale,
		Parity:      parity,
		FieldWidth:  cal.WidthArcsec / 60,
		FieldHeight: cal.HeightAsec / 60,
	}
	if w.usePosition {
		sol.RAError = (w.searchRA - sol.RA) * 3600
		sol.DecError = (w.searchDec - sol.Dec) * 3600
	}
	return sol, nil
}

func (w *OnlineWorker) fetchWCSFile(ctx context.Context, jobID int64) (wcs.Projector, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/wcs_file/%d", w.apiURL, jobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wcs download returned %d", resp.StatusCode)
	}

	tmp := filepath.Join(w.basePath, w.baseName+".wcs")
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	_, copyErr := io.Copy(f, resp.Body)
	f.Close()
	if copyErr != nil {
		return nil, copyErr
	}
	defer os.Remove(tmp)

	_, proj, err := w.wcsReader.Read(tmp, w.img.Width, w.img.Height)
	return proj, err
}

// The service speaks form-encoded request-json for POSTs and plain JSON for
// GETs.

func (w *OnlineWorker) postJSON(ctx context.Context, path string, payload map[string]any, out any) error {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return &SolveError{Kind: KindInvalidInput, Err: err}
	}
	form := url.Values{"request-json": {string(jsonBytes)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return &SolveError{Kind: KindTransportFailure, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return w.doJSON(req, out)
}

func (w *OnlineWorker) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.apiURL+path, nil)
	if err != nil {
		return &SolveError{Kind: KindTransportFailure, Err: err}
	}
	return w.doJSON(req, out)
}

func (w *OnlineWorker) doJSON(req *http.Request, out any) error {
	resp, err := w.client.Do(req)
	if err != nil {
		return &SolveError{Kind: KindTransportFailure, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &SolveError{Kind: KindTransportFailure,
			Err: fmt.Errorf("%s returned %d", req.URL.Path, resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &SolveError{Kind: KindTransportFailure,
			Err: fmt.Errorf("decode %s response: %w", req.URL.Path, err)}
	}
	return nil
}

func (w *OnlineWorker) classifyOnlineErr(err error) ErrorKind {
	if w.aborted.Load() {
		return KindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	return KindOf(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
