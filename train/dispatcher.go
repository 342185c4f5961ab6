package train

import (
	"context"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/YuminosukeSato/gopots/core/model"
	"github.com/YuminosukeSato/gopots/core/parallel"
	"github.com/YuminosukeSato/gopots/data"
	"github.com/YuminosukeSato/gopots/optim"
	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
)

// ParseDevice accepts "cpu" and "cpu:<n>" and returns the device index.
func ParseDevice(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "cpu" {
		return 0, nil
	}
	if idx, ok := strings.CutPrefix(s, "cpu:"); ok {
		n, err := strconv.Atoi(idx)
		if err == nil && n >= 0 {
			return n, nil
		}
	}
	return 0, errors.NewConfigError("device", s, "cpu", "cpu:<n>")
}

// Dispatcher runs forward and backward passes on one or more devices.
//
// With several devices the batch is split into contiguous row partitions and
// each partition runs on a replica. Replicas share the canonical parameter
// values but own their gradient buffers; gradients are summed into the
// canonical parameters before the optimizer may step.
type Dispatcher struct {
	model    model.Model
	devices  []string
	replicas []model.Model
}

// NewDispatcher validates devices and creates replicas when more than one is given.
func NewDispatcher(m model.Model, devices ...string) (*Dispatcher, error) {
	if len(devices) == 0 {
		devices = []string{"cpu"}
	}
	seen := make(map[int]bool, len(devices))
	for _, d := range devices {
		idx, err := ParseDevice(d)
		if err != nil {
			return nil, err
		}
		if seen[idx] {
			return nil, errors.NewConfigError("device", d+" (duplicate)")
		}
		seen[idx] = true
	}
	dp := &Dispatcher{model: m, devices: devices}
	if len(devices) == 1 {
		return dp, nil
	}

	rep, ok := m.(model.Replicator)
	if !ok {
		return nil, errors.NewConfigError("devices", strings.Join(devices, ","), "a single device for models without replication support")
	}
	replicas, err := rep.Replicate(len(devices))
	if err != nil {
		return nil, errors.Wrap(err, "failed to replicate model")
	}
	want := len(m.Parameters())
	for _, r := range replicas {
		if len(r.Parameters()) != want {
			return nil, errors.NewModelError("NewDispatcher", "replica parameter count mismatch", nil)
		}
	}
	dp.replicas = replicas
	return dp, nil
}

// Devices returns the configured device strings.
func (d *Dispatcher) Devices() []string {
	return d.devices
}

// Parallel reports whether more than one device is used.
func (d *Dispatcher) Parallel() bool {
	return len(d.replicas) > 0
}

// SetMode switches the canonical model and every replica.
func (d *Dispatcher) SetMode(mode model.Mode) {
	d.model.SetMode(mode)
	for _, r := range d.replicas {
		r.SetMode(mode)
	}
}

// ForwardBackward runs forward, zeroes gradients and runs backward for batch.
// It returns the (summed) scalar loss. The caller steps the optimizer.
// Backward is skipped when the loss is NaN or Inf; the gradients are left at
// zero and the loss is returned as is.
func (d *Dispatcher) ForwardBackward(ctx context.Context, batch *data.Batch, opt optim.Optimizer) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !d.Parallel() {
		out, err := d.model.Forward(batch)
		if err != nil {
			return 0, err
		}
		if out == nil || out.Loss == nil {
			return 0, errors.NewModelError("Dispatcher.ForwardBackward", "forward returned no loss", nil)
		}
		opt.ZeroGrad()
		v := out.Loss.Value()
		if !errors.IsFinite(v) {
			return v, nil
		}
		if err := out.Loss.Backward(); err != nil {
			return 0, err
		}
		return v, nil
	}

	parts := batch.Split(len(d.replicas))
	losses := make([]model.Loss, len(parts))
	err := parallel.ForEach(len(parts), func(i int) error {
		out, err := d.replicas[i].Forward(parts[i])
		if err != nil {
			return err
		}
		if out == nil || out.Loss == nil {
			return errors.NewModelError("Dispatcher.ForwardBackward", "replica forward returned no loss", nil)
		}
		losses[i] = out.Loss
		return nil
	})
	if err != nil {
		return 0, err
	}

	opt.ZeroGrad()
	for _, r := range d.replicas {
		for _, p := range r.Parameters() {
			p.ZeroGrad()
		}
	}
	total := model.SumLosses(losses...)
	if v := total.Value(); !errors.IsFinite(v) {
		return v, nil
	}
	if err := total.Backward(); err != nil {
		return 0, err
	}
	d.reduceGrads(len(parts))
	return total.Value(), nil
}

// reduceGrads sums the gradients of the first n replicas into the canonical model.
func (d *Dispatcher) reduceGrads(n int) {
	canonical := d.model.Parameters()
	for j, p := range canonical {
		if p.Grad == nil {
			continue
		}
		for _, r := range d.replicas[:n] {
			if g := r.Parameters()[j].Grad; g != nil && g != p.Grad {
				p.Grad.Add(p.Grad, g)
			}
		}
	}
}

// Forward runs an evaluation forward pass on the canonical model.
func (d *Dispatcher) Forward(ctx context.Context, batch *data.Batch, opts ...model.ForwardOption) (*model.Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.model.Forward(batch, opts...)
}

// LogHost writes a description of the host CPU and the configured devices.
func (d *Dispatcher) LogHost(logger log.Logger) {
	logger.Info("Training devices",
		log.DevicesKey, strings.Join(d.devices, ","),
		log.CPUBrandKey, cpuid.CPU.BrandName,
		log.CPUCoresKey, cpuid.CPU.PhysicalCores,
		log.CPUFeaturesKey, strings.Join(hostFeatures(), ","),
	)
}

// hostFeatures lists the SIMD extensions relevant for dense kernels.
func hostFeatures() []string {
	var out []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			out = append(out, f.name)
		}
	}
	return out
}
