package nn

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// graph is one compiled forward pass at a fixed batch size. Training graphs
// also carry the loss and its gradients.
type graph struct {
	g       *G.ExprGraph
	batch   int
	x, y    *G.Node
	probs   *G.Node
	loss    *G.Node
	// params is aligned with Model.Params; moving statistics have no node in
	// training graphs.
	params  []*G.Node
	weights G.Nodes
	trained []int
	stats   []*batchStats

	probVal G.Value
	lossVal G.Value
	vm      G.VM
}

func (m *Model) build(batch int, train bool) (*graph, error) {
	g := G.NewGraph()
	gr := &graph{g: g, batch: batch}

	var xShape tensor.Shape
	if m.Arch.Image() {
		h, w, c := m.Arch.Input[0], m.Arch.Input[1], m.Arch.Input[2]
		xShape = tensor.Shape{batch, c, h, w}
	} else {
		xShape = tensor.Shape{batch, m.Arch.Input[0]}
	}
	gr.x = G.NewTensor(g, tensor.Float32, len(xShape), G.WithShape(xShape...), G.WithName("x"))

	nodes := make(map[*Param]*G.Node, len(m.Params))
	gr.params = make([]*G.Node, len(m.Params))
	for i, p := range m.Params {
		if train && !p.Trainable() {
			continue
		}
		name := m.Arch.Layers[p.Layer].Name + "/" + p.Name
		n := G.NewTensor(g, tensor.Float32, len(p.Shape), G.WithShape(p.Shape...), G.WithName(name), G.WithValue(p.Tensor()))
		nodes[p] = n
		gr.params[i] = n
		if p.Trainable() {
			gr.weights = append(gr.weights, n)
			gr.trained = append(gr.trained, i)
		}
	}

	cur := gr.x
	var err error
	for i, l := range m.Arch.Layers {
		kp, bp := m.LayerParams(i)
		switch l.Kind {
		case KindConv2D:
			pad := 0
			if l.Padding == PaddingSame {
				pad = l.Kernel / 2
			}
			if cur, err = G.Conv2d(cur, nodes[kp], tensor.Shape{l.Kernel, l.Kernel}, []int{pad, pad}, []int{1, 1}, []int{1, 1}); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Name, err)
			}
			if cur, err = G.BroadcastAdd(cur, nodes[bp], nil, []byte{0, 2, 3}); err != nil {
				return nil, fmt.Errorf("%s bias: %w", l.Name, err)
			}
			if cur, err = activate(cur, l.Activation); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Name, err)
			}

		case KindMaxPool2D:
			if cur, err = G.MaxPool2D(cur, tensor.Shape{l.Pool, l.Pool}, []int{0, 0}, []int{l.Pool, l.Pool}); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Name, err)
			}

		case KindDropout:
			if !train || l.Rate == 0 {
				continue
			}
			if cur, err = G.Dropout(cur, l.Rate); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Name, err)
			}

		case KindBatchNorm:
			if cur, err = gr.batchNorm(m, i, cur, nodes, train); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Name, err)
			}

		case KindFlatten:
			if cur, err = G.Reshape(cur, tensor.Shape{batch, m.shapes[i][0]}); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Name, err)
			}

		case KindDense:
			if cur, err = G.Mul(cur, nodes[kp]); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Name, err)
			}
			if cur, err = G.BroadcastAdd(cur, nodes[bp], nil, []byte{0}); err != nil {
				return nil, fmt.Errorf("%s bias: %w", l.Name, err)
			}
			if cur, err = activate(cur, l.Activation); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Name, err)
			}
		}
	}
	gr.probs = cur
	G.Read(gr.probs, &gr.probVal)

	if !train {
		gr.vm = G.NewTapeMachine(g)
		return gr, nil
	}

	// Categorical cross-entropy, averaged over the batch.
	classes := m.Arch.NumClasses()
	gr.y = G.NewMatrix(g, tensor.Float32, G.WithShape(batch, classes), G.WithName("y"))
	eps := G.NewConstant(float32(1e-7))
	logp := G.Must(G.Log(G.Must(G.Add(gr.probs, eps))))
	perSample := G.Must(G.Sum(G.Must(G.HadamardProd(gr.y, logp)), 1))
	gr.loss = G.Must(G.Neg(G.Must(G.Mean(perSample))))
	G.Read(gr.loss, &gr.lossVal)

	if _, err := G.Grad(gr.loss, gr.weights...); err != nil {
		return nil, fmt.Errorf("gradients: %w", err)
	}
	gr.vm = G.NewTapeMachine(g, G.BindDualValues(gr.weights...))
	return gr, nil
}

// batchStats receives the mean and variance of one batch normalization layer
// during a training step.
type batchStats struct {
	layer          int
	mean, variance G.Value
}

// batchNorm normalizes cur per channel (images) or per feature (vectors).
// Training graphs use the batch statistics and record them; inference graphs
// use the moving averages.
func (gr *graph) batchNorm(m *Model, i int, cur *G.Node, nodes map[*Param]*G.Node, train bool) (*G.Node, error) {
	gammaP := m.LayerParam(i, "gamma")
	gamma, beta := nodes[gammaP], nodes[m.LayerParam(i, "beta")]
	statShape := tensor.Shape(gammaP.Shape).Clone()
	axes, pattern := []int{0}, []byte{0}
	if cur.Dims() == 4 {
		axes, pattern = []int{0, 2, 3}, []byte{0, 2, 3}
	}

	var mean, centered, variance *G.Node
	var err error
	if train {
		if mean, err = G.Mean(cur, axes...); err != nil {
			return nil, err
		}
		if mean, err = G.Reshape(mean, statShape); err != nil {
			return nil, err
		}
		if centered, err = G.BroadcastSub(cur, mean, nil, pattern); err != nil {
			return nil, err
		}
		sq, err := G.Square(centered)
		if err != nil {
			return nil, err
		}
		if variance, err = G.Mean(sq, axes...); err != nil {
			return nil, err
		}
		if variance, err = G.Reshape(variance, statShape); err != nil {
			return nil, err
		}
		s := &batchStats{layer: i}
		G.Read(mean, &s.mean)
		G.Read(variance, &s.variance)
		gr.stats = append(gr.stats, s)
	} else {
		mean = nodes[m.LayerParam(i, MovingMean)]
		variance = nodes[m.LayerParam(i, MovingVariance)]
		if centered, err = G.BroadcastSub(cur, mean, nil, pattern); err != nil {
			return nil, err
		}
	}

	shifted, err := G.Add(variance, G.NewConstant(float32(BatchNormEpsilon)))
	if err != nil {
		return nil, err
	}
	std, err := G.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	out, err := G.BroadcastHadamardDiv(centered, std, nil, pattern)
	if err != nil {
		return nil, err
	}
	if out, err = G.BroadcastHadamardProd(out, gamma, nil, pattern); err != nil {
		return nil, err
	}
	return G.BroadcastAdd(out, beta, nil, pattern)
}

// updateStats folds the statistics of the last training step into the
// model's moving averages.
func (gr *graph) updateStats(m *Model) {
	for _, s := range gr.stats {
		if s.mean == nil || s.variance == nil {
			continue
		}
		bm, _ := s.mean.Data().([]float32)
		bv, _ := s.variance.Data().([]float32)
		mm := m.LayerParam(s.layer, MovingMean).Data
		mv := m.LayerParam(s.layer, MovingVariance).Data
		for k := range mm {
			if k < len(bm) {
				mm[k] = mm[k]*BatchNormMomentum + bm[k]*(1-BatchNormMomentum)
			}
			if k < len(bv) {
				mv[k] = mv[k]*BatchNormMomentum + bv[k]*(1-BatchNormMomentum)
			}
		}
	}
}

func activate(n *G.Node, activation string) (*G.Node, error) {
	switch activation {
	case ReLU:
		return G.Rectify(n)
	case Softmax:
		return G.SoftMax(n)
	default:
		return n, nil
	}
}

// run feeds one batch through the graph. y may be nil for inference graphs.
func (gr *graph) run(x, y *tensor.Dense) error {
	if err := G.Let(gr.x, x); err != nil {
		return err
	}
	if gr.y != nil && y != nil {
		if err := G.Let(gr.y, y); err != nil {
			return err
		}
	}
	return gr.vm.RunAll()
}

// bind points the graph's weight nodes at the model's current parameters.
func (gr *graph) bind(m *Model) error {
	for i, p := range m.Params {
		n := gr.params[i]
		if n == nil {
			continue
		}
		if err := G.Let(n, p.Tensor()); err != nil {
			return fmt.Errorf("bind %s: %w", n.Name(), err)
		}
	}
	return nil
}

// pull copies the graph's trained weight values back into the model.
func (gr *graph) pull(m *Model) {
	for k, w := range gr.weights {
		if data, ok := w.Value().Data().([]float32); ok {
			copy(m.Params[gr.trained[k]].Data, data)
		}
	}
}

func (gr *graph) close() {
	if gr.vm != nil {
		gr.vm.Close()
	}
}

func (gr *graph) probabilities() []float32 {
	if gr.probVal == nil {
		return nil
	}
	data, _ := gr.probVal.Data().([]float32)
	return data
}

func (gr *graph) lossValue() float64 {
	if gr.lossVal == nil {
		return math.NaN()
	}
	switch d := gr.lossVal.Data().(type) {
	case float32:
		return float64(d)
	case []float32:
		if len(d) > 0 {
			return float64(d[0])
		}
	}
	return math.NaN()
}
