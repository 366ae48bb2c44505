package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

const (
	workgroupSize    = 256
	maxWorkgroupsX   = 65535
	dispatchRowWidth = maxWorkgroupsX * workgroupSize
)

// PredictShape describes one prediction dispatch:
// weight [NumInput][NumOutput][OutputDim][InputDim],
// input [Batch][NumInput][InputDim],
// output [Batch][NumInput][NumOutput][OutputDim].
type PredictShape struct {
	Batch     int
	NumInput  int
	NumOutput int
	OutputDim int
	InputDim  int
}

func (s PredictShape) layerKey() PredictShape {
	s.Batch = 0
	return s
}

// Predictor runs the capsule prediction kernel u_hat = W · u on a Context.
// Pipelines are compiled once per layer geometry and reused across batches.
type Predictor struct {
	ctx *Context

	mu        sync.Mutex
	pipelines map[PredictShape]*predictPipeline
}

type predictPipeline struct {
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
}

// NewPredictor binds a predictor to ctx.
func NewPredictor(ctx *Context) *Predictor {
	return &Predictor{ctx: ctx, pipelines: make(map[PredictShape]*predictPipeline)}
}

func predictShader(s PredictShape) string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> weight : array<f32>;
		@group(0) @binding(1) var<storage, read> input : array<f32>;
		@group(0) @binding(2) var<storage, read_write> output : array<f32>;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x + gid.y * %du;
			if (idx >= arrayLength(&output)) {
				return;
			}

			let n_in = %du;
			let n_out = %du;
			let out_dim = %du;
			let in_dim = %du;

			// idx = ((b * n_in + i) * n_out + j) * out_dim + d
			let d = idx %% out_dim;
			let j = (idx / out_dim) %% n_out;
			let i = (idx / (out_dim * n_out)) %% n_in;
			let b = idx / (out_dim * n_out * n_in);

			let w_off = ((i * n_out + j) * out_dim + d) * in_dim;
			let u_off = (b * n_in + i) * in_dim;

			var sum: f32 = 0.0;
			for (var k: u32 = 0u; k < in_dim; k++) {
				sum += weight[w_off + k] * input[u_off + k];
			}
			output[idx] = sum;
		}
	`, workgroupSize, dispatchRowWidth, s.NumInput, s.NumOutput, s.OutputDim, s.InputDim)
}

func (p *Predictor) compile(s PredictShape) (*predictPipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := s.layerKey()
	if pp, ok := p.pipelines[key]; ok {
		return pp, nil
	}

	dev := p.ctx.Device
	module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Predict_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: predictShader(s)},
	})
	if err != nil {
		return nil, fmt.Errorf("shader compile: %w", err)
	}
	defer module.Release()

	layout, err := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "Predict_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}}, // Weight
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}}, // Input
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},         // Output
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create bgl: %w", err)
	}

	pipelineLayout, err := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "Predict_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{layout},
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	pipeline, err := dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "Predict_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline create: %w", err)
	}

	pp := &predictPipeline{pipeline: pipeline, layout: layout}
	p.pipelines[key] = pp
	return pp, nil
}

// Predict computes the prediction tensor for one batch. Weights are uploaded
// on every call because an external optimizer may have changed them.
func (p *Predictor) Predict(weight, input []float32, s PredictShape) ([]float32, error) {
	wantW := s.NumInput * s.NumOutput * s.OutputDim * s.InputDim
	wantIn := s.Batch * s.NumInput * s.InputDim
	if len(weight) != wantW || len(input) != wantIn {
		return nil, fmt.Errorf("predict: got weight %d input %d, want %d and %d", len(weight), len(input), wantW, wantIn)
	}

	total := s.Batch * s.NumInput * s.NumOutput * s.OutputDim
	if total == 0 {
		return []float32{}, nil
	}

	pp, err := p.compile(s)
	if err != nil {
		return nil, err
	}

	ctx := p.ctx
	wBuf, err := ctx.NewFloatBuffer("Predict_W", weight, wgpu.BufferUsageStorage)
	if err != nil {
		return nil, err
	}
	defer wBuf.Destroy()

	inBuf, err := ctx.NewFloatBuffer("Predict_In", input, wgpu.BufferUsageStorage)
	if err != nil {
		return nil, err
	}
	defer inBuf.Destroy()

	outBuf, err := ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Predict_Out",
		Size:  uint64(total * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("output buf: %w", err)
	}
	defer outBuf.Destroy()

	bindGroup, err := ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Predict_Bind",
		Layout: pp.layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: wBuf, Size: wBuf.GetSize()},
			{Binding: 1, Buffer: inBuf, Size: inBuf.GetSize()},
			{Binding: 2, Buffer: outBuf, Size: outBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bind group: %w", err)
	}
	defer bindGroup.Release()

	enc, err := ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}

	groups := uint32((total + workgroupSize - 1) / workgroupSize)
	groupsX, groupsY := groups, uint32(1)
	if groups > maxWorkgroupsX {
		groupsX = maxWorkgroupsX
		groupsY = (groups + maxWorkgroupsX - 1) / maxWorkgroupsX
	}

	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pp.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(groupsX, groupsY, 1)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	ctx.Queue.Submit(cmd)

	return ctx.ReadBuffer(outBuf, total)
}

// Release frees compiled pipelines. The Context is left open.
func (p *Predictor) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, pp := range p.pipelines {
		pp.pipeline.Release()
		delete(p.pipelines, k)
	}
}
