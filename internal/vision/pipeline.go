package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evacnet/guardian/internal/fleet"
	"github.com/evacnet/guardian/internal/metrics"
	"github.com/evacnet/guardian/internal/state"
)

const (
	remoteQuality = 50
	localQuality  = 70

	defaultReopenDelay     = 2 * time.Second
	defaultDispatchTimeout = 150 * time.Millisecond
	defaultConfThreshold   = 0.4

	fpsWindow = 30 * time.Second
)

// ErrStopped is returned by AddCamera after Stop.
var ErrStopped = errors.New("vision: pipeline stopped")

// Dispatcher forwards frames to the worker fleet. *fleet.Manager implements
// it; a nil Dispatcher keeps every frame on the local detector.
type Dispatcher interface {
	ConnectedCount() int
	DistributeSync(frameB64, frameID, specialty string, timeout time.Duration) ([]fleet.Detection, error)
}

// Store receives detections confirmed by the local detector. Remote results
// are recorded by the fleet manager on arrival, not here.
type Store interface {
	AddDetection(class string, confidence float64, bbox [4]float64, frameID string)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics wires operational counters into the pipeline.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTimings overrides the stream reopen delay and the remote dispatch
// timeout. Zero values keep the defaults.
func WithTimings(reopenDelay, dispatchTimeout time.Duration) Option {
	return func(p *Pipeline) {
		if reopenDelay > 0 {
			p.reopenDelay = reopenDelay
		}
		if dispatchTimeout > 0 {
			p.dispatchTimeout = dispatchTimeout
		}
	}
}

// WithConfidenceThreshold overrides the minimum confidence for local
// detections.
func WithConfidenceThreshold(c float64) Option {
	return func(p *Pipeline) { p.confThreshold = c }
}

// cameraLoop tracks one running capture goroutine.
type cameraLoop struct {
	source string
	stopCh chan struct{}
	doneCh chan struct{}
}

// Pipeline pulls MJPEG frames from registered cameras, schedules each frame
// onto the local detector or the worker fleet, and publishes annotated
// previews to the frame store.
type Pipeline struct {
	log      *slog.Logger
	store    Store
	frames   *FrameStore
	detector Detector
	fleet    Dispatcher
	metrics  *metrics.Metrics
	client   *http.Client

	reopenDelay     time.Duration
	dispatchTimeout time.Duration
	confThreshold   float64

	// counter is shared across cameras; offload scheduling keys off it.
	counter atomic.Int64

	// minGap is the nanosecond spacing between analyzed frames per camera;
	// zero analyzes every frame.
	minGap atomic.Int64

	fps *fpsMeter

	mu      sync.Mutex
	cameras map[string]*cameraLoop
	classes []string
	stopped bool
}

// New builds a Pipeline over the given detector and fleet dispatcher.
func New(logger *slog.Logger, store Store, frames *FrameStore, detector Detector, dispatcher Dispatcher, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		log:             logger.With(slog.String("component", "vision")),
		store:           store,
		frames:          frames,
		detector:        detector,
		fleet:           dispatcher,
		client:          &http.Client{},
		reopenDelay:     defaultReopenDelay,
		dispatchTimeout: defaultDispatchTimeout,
		confThreshold:   defaultConfThreshold,
		fps:             newFPSMeter(fpsWindow),
		cameras:         make(map[string]*cameraLoop),
		classes:         append([]string(nil), state.HazardClasses...),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AddCamera starts the capture loop for one camera. Re-adding an id with the
// same source is a no-op; a different source stops the old loop before the
// replacement starts.
func (p *Pipeline) AddCamera(id, source string) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	old := p.cameras[id]
	if old != nil && old.source == source {
		p.mu.Unlock()
		return nil
	}
	loop := &cameraLoop{
		source: source,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.cameras[id] = loop
	p.mu.Unlock()

	if old != nil {
		close(old.stopCh)
		<-old.doneCh
	}
	go p.run(id, source, loop)
	p.log.Info("camera added",
		slog.String("camera", id),
		slog.String("source", source),
	)
	return nil
}

// Cameras returns the ids of all registered capture loops, sorted.
func (p *Pipeline) Cameras() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.cameras))
	for id := range p.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetConfidenceThreshold changes the minimum confidence for local
// detections on a running pipeline. Values outside (0, 1] are ignored.
func (p *Pipeline) SetConfidenceThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	p.mu.Lock()
	p.confThreshold = v
	p.mu.Unlock()
}

func (p *Pipeline) threshold() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confThreshold
}

// SetAnalysisInterval sets the minimum spacing between analyzed frames on
// each camera. Frames arriving inside the window are dropped unexamined;
// zero analyzes every frame. Negative values are ignored.
func (p *Pipeline) SetAnalysisInterval(d time.Duration) {
	if d < 0 {
		return
	}
	p.minGap.Store(int64(d))
}

// SetHazardClasses replaces the vocabulary used to label local detections.
// Indices on the wire stay positional. Empty input is ignored.
func (p *Pipeline) SetHazardClasses(classes []string) {
	if len(classes) == 0 {
		return
	}
	cp := make([]string, len(classes))
	copy(cp, classes)
	p.mu.Lock()
	p.classes = cp
	p.mu.Unlock()
}

// Stats is a point-in-time view of pipeline throughput.
type Stats struct {
	FPS     float64  `json:"fps"`
	Cameras []string `json:"cameras"`
}

// Stats reports the current frame rate and the registered cameras.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FPS:     p.fps.rate(time.Now()),
		Cameras: p.Cameras(),
	}
}

// Stop halts every capture loop and waits for them to finish. A frame in
// flight completes its dispatch or local inference first.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	loops := make([]*cameraLoop, 0, len(p.cameras))
	for _, l := range p.cameras {
		loops = append(loops, l)
	}
	p.mu.Unlock()

	for _, l := range loops {
		close(l.stopCh)
	}
	for _, l := range loops {
		<-l.doneCh
	}
	p.log.Info("vision pipeline stopped")
}

// run owns one camera: open the stream, pump frames, reopen after errors.
func (p *Pipeline) run(id, source string, loop *cameraLoop) {
	defer close(loop.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-loop.stopCh
		cancel()
	}()

	var lastAnalyzed time.Time
	for {
		select {
		case <-loop.stopCh:
			return
		default:
		}

		stream, err := openMJPEG(ctx, p.client, source)
		if err != nil {
			select {
			case <-loop.stopCh:
				return
			default:
			}
			p.log.Warn("camera open failed",
				slog.String("camera", id),
				slog.String("error", err.Error()),
			)
			if !sleepInterruptible(loop.stopCh, p.reopenDelay) {
				return
			}
			continue
		}
		p.log.Info("camera stream open", slog.String("camera", id))

		for {
			frame, err := stream.next()
			if err != nil {
				stream.close()
				select {
				case <-loop.stopCh:
					return
				default:
				}
				p.log.Warn("camera stream lost",
					slog.String("camera", id),
					slog.String("error", err.Error()),
				)
				if !sleepInterruptible(loop.stopCh, p.reopenDelay) {
					return
				}
				break
			}
			if gap := time.Duration(p.minGap.Load()); gap > 0 && time.Since(lastAnalyzed) < gap {
				continue
			}
			lastAnalyzed = time.Now()
			p.handleFrame(ctx, id, frame)
		}
	}
}

// handleFrame routes one captured frame. With W connected workers, every
// (W+1)th frame stays on the local detector and the rest are offloaded; with
// no fleet every frame is local. A worker that does not answer within the
// dispatch timeout loses the frame back to the local detector, so no frame
// goes unexamined.
func (p *Pipeline) handleFrame(ctx context.Context, camera string, frame []byte) {
	count := p.counter.Add(1)
	frameID := fmt.Sprintf("%s_%d", camera, count)

	workers := 0
	if p.fleet != nil {
		workers = p.fleet.ConnectedCount()
	}
	if workers > 0 && count%int64(workers+1) != 0 {
		if p.offload(camera, frameID, frame) {
			p.frameDone()
			return
		}
	}
	p.inferLocal(ctx, camera, frameID, frame)
	p.frameDone()
}

// offload ships the frame to a worker and reports whether it was answered.
// Remote detections reach the state store through the fleet manager; here we
// only refresh the camera preview with the worker's boxes.
func (p *Pipeline) offload(camera, frameID string, frame []byte) bool {
	small, err := reencode(frame, remoteQuality)
	if err != nil {
		p.log.Warn("frame transcode failed",
			slog.String("camera", camera),
			slog.String("error", err.Error()),
		)
		return false
	}

	dets, err := p.fleet.DistributeSync(base64.StdEncoding.EncodeToString(small), frameID, "", p.dispatchTimeout)
	if err != nil || dets == nil {
		return false
	}

	overlays := make([]Overlay, 0, len(dets))
	for _, d := range dets {
		if len(d.BBox) < 4 {
			continue
		}
		overlays = append(overlays, Overlay{
			Label:      d.Class,
			Confidence: d.Confidence,
			X1:         d.BBox[0],
			Y1:         d.BBox[1],
			X2:         d.BBox[2],
			Y2:         d.BBox[3],
		})
	}
	annotated, err := Annotate(frame, overlays, true, localQuality)
	if err != nil {
		p.log.Warn("frame annotate failed",
			slog.String("camera", camera),
			slog.String("error", err.Error()),
		)
		annotated = small
	}
	p.frames.Set(camera, annotated)
	return true
}

// inferLocal runs the frame through the local detector, records any hits and
// publishes the annotated preview.
func (p *Pipeline) inferLocal(ctx context.Context, camera, frameID string, frame []byte) {
	local, err := reencode(frame, localQuality)
	if err != nil {
		p.log.Warn("frame transcode failed",
			slog.String("camera", camera),
			slog.String("error", err.Error()),
		)
		return
	}

	boxes, err := p.detector.Detect(ctx, local, p.threshold())
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("local inference failed",
				slog.String("camera", camera),
				slog.String("error", err.Error()),
			)
		}
		// A failed inference must not freeze the dashboard preview.
		p.frames.Set(camera, local)
		return
	}

	overlays := make([]Overlay, 0, len(boxes))
	for _, b := range boxes {
		class := p.className(b.ClassID)
		p.store.AddDetection(class, b.Confidence, [4]float64{b.X1, b.Y1, b.X2, b.Y2}, frameID)
		overlays = append(overlays, Overlay{
			Label:      class,
			Confidence: b.Confidence,
			X1:         b.X1,
			Y1:         b.Y1,
			X2:         b.X2,
			Y2:         b.Y2,
		})
	}
	if p.metrics != nil && len(boxes) > 0 {
		p.metrics.DetectionsLocal.Add(int64(len(boxes)))
	}

	annotated, err := Annotate(frame, overlays, false, localQuality)
	if err != nil {
		annotated = local
	}
	p.frames.Set(camera, annotated)
}

func (p *Pipeline) frameDone() {
	p.fps.mark(time.Now())
	if p.metrics != nil {
		p.metrics.FramesProcessed.Add(1)
	}
}

// className resolves a wire class index against the current vocabulary.
func (p *Pipeline) className(id int) string {
	p.mu.Lock()
	classes := p.classes
	p.mu.Unlock()
	return lookupClass(classes, id)
}

func lookupClass(classes []string, id int) string {
	if id >= 0 && id < len(classes) {
		return classes[id]
	}
	return "Hazard"
}

// sleepInterruptible pauses for d unless stopCh closes first, reporting
// whether the full pause elapsed.
func sleepInterruptible(stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}
