package nn

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// EvalBatch is the fixed batch size of inference graphs. Short batches are
// zero-padded.
const EvalBatch = 32

// Dataset pairs input rows with class indices.
type Dataset struct {
	X [][]float32
	Y []int
}

// Len returns the number of samples.
func (d Dataset) Len() int { return len(d.X) }

// EarlyStopping ends training once Monitor has not improved for Patience epochs.
type EarlyStopping struct {
	Monitor     string // val_loss or val_accuracy
	Patience    int
	RestoreBest bool
}

// ReduceLROnPlateau scales the learning rate by Factor once val_loss has not
// improved for Patience epochs, bounded below by MinLR.
type ReduceLROnPlateau struct {
	Patience int
	Factor   float64
	MinLR    float64
}

// Epoch is one row of training history.
type Epoch struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
	LR          float64 `json:"lr"`
}

// History records a Fit call.
type History struct {
	Epochs    []Epoch `json:"epochs"`
	BestEpoch int     `json:"best_epoch"`
	Stopped   bool    `json:"stopped_early"`
}

// FitOptions configures Fit.
type FitOptions struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64

	EarlyStopping EarlyStopping
	ReduceLR      ReduceLROnPlateau

	// Augment, if set, transforms each training sample before it is batched.
	Augment func([]float32) []float32
	// OnEpoch is called after every epoch's validation.
	OnEpoch func(Epoch)
}

// Fit trains the model with Adam on categorical cross-entropy. The training
// set is reshuffled every epoch; samples that do not fill a whole batch are
// left out of that epoch.
func (m *Model) Fit(ctx context.Context, train, val Dataset, opts FitOptions) (*History, error) {
	if train.Len() == 0 || train.Len() != len(train.Y) {
		return nil, fmt.Errorf("%w: %d training rows, %d labels", ErrShapeMismatch, train.Len(), len(train.Y))
	}
	if val.Len() != len(val.Y) {
		return nil, fmt.Errorf("%w: %d validation rows, %d labels", ErrShapeMismatch, val.Len(), len(val.Y))
	}
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive")
	}
	if err := m.checkRows(train.X); err != nil {
		return nil, err
	}
	if err := m.checkLabels(train.Y); err != nil {
		return nil, err
	}

	bs := opts.BatchSize
	if bs <= 0 || bs > train.Len() {
		bs = train.Len()
	}
	lr := opts.LearningRate
	if lr <= 0 {
		lr = 0.001
	}

	tg, err := m.build(bs, true)
	if err != nil {
		return nil, err
	}
	defer tg.close()

	solver := G.NewAdamSolver(G.WithLearnRate(lr))
	rng := rand.New(rand.NewSource(opts.Seed))
	order := make([]int, train.Len())
	for i := range order {
		order[i] = i
	}

	stop := newMonitor(opts.EarlyStopping.Monitor)
	plateau := newMonitor("val_loss")
	var best [][]float32

	hist := &History{}
	xBuf := make([]float32, bs*m.Arch.InputSize())
	yBuf := make([]float32, bs*m.Arch.NumClasses())

	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var lossSum float64
		var correct, seen int
		for start := 0; start+bs <= len(order); start += bs {
			idx := order[start : start+bs]
			for k, j := range idx {
				row := train.X[j]
				if opts.Augment != nil {
					row = opts.Augment(row)
				}
				m.fillInput(xBuf, k, row)
			}
			m.fillOneHot(yBuf, idx, train.Y)

			x := tensor.New(tensor.WithShape(tg.x.Shape()...), tensor.WithBacking(xBuf))
			y := tensor.New(tensor.WithShape(bs, m.Arch.NumClasses()), tensor.WithBacking(yBuf))
			if err := tg.run(x, y); err != nil {
				tg.vm.Reset()
				return hist, fmt.Errorf("epoch %d: %w", epoch, err)
			}

			lossSum += tg.lossValue() * float64(bs)
			correct += countCorrect(tg.probabilities(), m.Arch.NumClasses(), idx, train.Y)
			seen += bs
			tg.updateStats(m)

			if err := solver.Step(G.NodesToValueGrads(tg.weights)); err != nil {
				tg.vm.Reset()
				return hist, fmt.Errorf("epoch %d: optimizer step: %w", epoch, err)
			}
			tg.vm.Reset()
		}
		tg.pull(m)

		e := Epoch{
			Epoch:    epoch,
			Loss:     lossSum / float64(seen),
			Accuracy: float64(correct) / float64(seen),
			ValLoss:  math.NaN(),
			LR:       lr,
		}
		if val.Len() > 0 {
			if e.ValLoss, e.ValAccuracy, err = m.Evaluate(val); err != nil {
				return hist, err
			}
		}
		hist.Epochs = append(hist.Epochs, e)
		log.Printf("Epoch %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f - lr: %.2g",
			epoch, opts.Epochs, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, lr)
		if opts.OnEpoch != nil {
			opts.OnEpoch(e)
		}

		if stop.update(e) {
			hist.BestEpoch = epoch
			if opts.EarlyStopping.RestoreBest {
				best = m.snapshot()
			}
		}
		if p := opts.EarlyStopping.Patience; p > 0 && stop.wait >= p {
			log.Printf("Early stopping: no %s improvement for %d epochs", stop.metric, p)
			hist.Stopped = true
			break
		}

		plateau.update(e)
		if rp := opts.ReduceLR; rp.Patience > 0 && plateau.wait >= rp.Patience {
			if next := math.Max(lr*rp.Factor, rp.MinLR); next < lr {
				log.Printf("Reducing learning rate to %.2g", next)
				lr = next
				solver = G.NewAdamSolver(G.WithLearnRate(lr))
			}
			plateau.wait = 0
		}
	}

	if best != nil {
		log.Printf("Restoring weights from epoch %d", hist.BestEpoch)
		m.restore(best)
	}
	return hist, nil
}

// Evaluate returns the mean cross-entropy and accuracy over ds.
func (m *Model) Evaluate(ds Dataset) (loss, accuracy float64, err error) {
	if ds.Len() == 0 || ds.Len() != len(ds.Y) {
		return 0, 0, fmt.Errorf("%w: %d rows, %d labels", ErrShapeMismatch, ds.Len(), len(ds.Y))
	}
	if err := m.checkLabels(ds.Y); err != nil {
		return 0, 0, err
	}
	probs, err := m.Predict(ds.X)
	if err != nil {
		return 0, 0, err
	}

	var correct int
	for i, p := range probs {
		loss -= math.Log(math.Max(float64(p[ds.Y[i]]), 1e-7))
		if Argmax(p) == ds.Y[i] {
			correct++
		}
	}
	n := float64(ds.Len())
	return loss / n, float64(correct) / n, nil
}

// Predict returns class probabilities for each row.
func (m *Model) Predict(rows [][]float32) ([][]float32, error) {
	if err := m.checkRows(rows); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eval == nil {
		eg, err := m.build(EvalBatch, false)
		if err != nil {
			return nil, err
		}
		m.eval = eg
	}
	if err := m.eval.bind(m); err != nil {
		return nil, err
	}

	classes := m.Arch.NumClasses()
	xBuf := make([]float32, EvalBatch*m.Arch.InputSize())
	out := make([][]float32, 0, len(rows))
	for start := 0; start < len(rows); start += EvalBatch {
		end := min(start+EvalBatch, len(rows))
		clear(xBuf)
		for k, row := range rows[start:end] {
			m.fillInput(xBuf, k, row)
		}

		x := tensor.New(tensor.WithShape(m.eval.x.Shape()...), tensor.WithBacking(xBuf))
		err := m.eval.run(x, nil)
		probs := m.eval.probabilities()
		m.eval.vm.Reset()
		if err != nil {
			return nil, err
		}
		for k := 0; k < end-start; k++ {
			out = append(out, append([]float32(nil), probs[k*classes:(k+1)*classes]...))
		}
	}
	return out, nil
}

// Close releases the cached inference graph.
func (m *Model) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eval != nil {
		m.eval.close()
		m.eval = nil
	}
}

// Argmax returns the index of the largest value.
func Argmax(p []float32) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}

func (m *Model) checkRows(rows [][]float32) error {
	want := m.Arch.InputSize()
	for i, r := range rows {
		if len(r) != want {
			return fmt.Errorf("%w: row %d has %d values, model expects %d", ErrShapeMismatch, i, len(r), want)
		}
	}
	return nil
}

func (m *Model) checkLabels(y []int) error {
	classes := m.Arch.NumClasses()
	for i, c := range y {
		if c < 0 || c >= classes {
			return fmt.Errorf("%w: label %d at row %d outside [0, %d)", ErrShapeMismatch, c, i, classes)
		}
	}
	return nil
}

// fillInput writes sample row into batch slot k, converting images from
// HWC to the graph's CHW layout.
func (m *Model) fillInput(dst []float32, k int, row []float32) {
	size := m.Arch.InputSize()
	slot := dst[k*size : (k+1)*size]
	if !m.Arch.Image() {
		copy(slot, row)
		return
	}
	h, w, c := m.Arch.Input[0], m.Arch.Input[1], m.Arch.Input[2]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				slot[ch*h*w+y*w+x] = row[(y*w+x)*c+ch]
			}
		}
	}
}

func (m *Model) fillOneHot(dst []float32, idx, labels []int) {
	classes := m.Arch.NumClasses()
	clear(dst)
	for k, j := range idx {
		dst[k*classes+labels[j]] = 1
	}
}

func countCorrect(probs []float32, classes int, idx, labels []int) int {
	if len(probs) < len(idx)*classes {
		return 0
	}
	n := 0
	for k, j := range idx {
		if Argmax(probs[k*classes:(k+1)*classes]) == labels[j] {
			n++
		}
	}
	return n
}

// monitor tracks the best value of one validation metric.
type monitor struct {
	metric string
	best   float64
	wait   int
	seen   bool
}

func newMonitor(metric string) *monitor {
	if metric == "" {
		metric = "val_loss"
	}
	return &monitor{metric: metric}
}

func (mo *monitor) value(e Epoch) float64 {
	if mo.metric == "val_accuracy" {
		return e.ValAccuracy
	}
	return e.ValLoss
}

// update records an epoch and reports whether it is a new best.
func (mo *monitor) update(e Epoch) bool {
	v := mo.value(e)
	if math.IsNaN(v) {
		return false
	}
	better := !mo.seen
	if mo.seen {
		if mo.metric == "val_accuracy" {
			better = v > mo.best
		} else {
			better = v < mo.best
		}
	}
	if better {
		mo.best, mo.seen, mo.wait = v, true, 0
		return true
	}
	mo.wait++
	return false
}
