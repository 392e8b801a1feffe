package payload

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/roach88/pmi/internal/engine"
	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/proxy"
	"github.com/roach88/pmi/internal/registry"
)

const (
	DefaultParticles = 4
	DefaultStiffness = 1.0
	DefaultMass      = 1.0
	DefaultTimeStep  = 0.01
)

// thermostat relaxes a temperature toward a target.
type thermostat struct {
	temperature float64
	target      float64
}

func newThermostat(_ context.Context, _ registry.Env, args ir.Args) (registry.Instance, error) {
	t, err := floatArg(args, 0, "temperature", 300)
	if err != nil {
		return nil, err
	}
	target, err := floatArg(args, 1, "target", t)
	if err != nil {
		return nil, err
	}
	return &thermostat{temperature: t, target: target}, nil
}

func (th *thermostat) Call(_ context.Context, method string, args ir.Args) (ir.Value, error) {
	switch method {
	case "relax":
		rate, err := floatArg(args, 0, "rate", 0.5)
		if err != nil {
			return nil, err
		}
		if rate < 0 || rate > 1 {
			return nil, fmt.Errorf("relax rate %g outside [0,1]", rate)
		}
		th.temperature += (th.target - th.temperature) * rate
		return nil, nil
	case "reading":
		return ir.Float(th.temperature), nil
	}
	return nil, fmt.Errorf("Thermostat has no method %s", method)
}

func (th *thermostat) GetProperty(name string) (ir.Value, error) {
	switch name {
	case "temperature":
		return ir.Float(th.temperature), nil
	case "target":
		return ir.Float(th.target), nil
	}
	return nil, fmt.Errorf("Thermostat has no property %s", name)
}

func (th *thermostat) SetProperty(name string, v ir.Value) error {
	f, err := ir.AsFloat(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	switch name {
	case "temperature":
		th.temperature = f
	case "target":
		th.target = f
	default:
		return fmt.Errorf("Thermostat has no property %s", name)
	}
	return nil
}

func fahrenheit(_ context.Context, args ir.Args) (ir.Value, error) {
	k, err := floatArg(args, 0, "kelvin", 0)
	if err != nil {
		return nil, err
	}
	return ir.Float((k-273.15)*9/5 + 32), nil
}

// integrator advances a set of independent harmonic particles with
// velocity Verlet. Each rank starts from amplitudes scaled by its worker
// index, so ranks hold different but reproducible states.
type integrator struct {
	x, v  []float64
	x0    []float64
	k, m  float64
	dt    float64
	t     float64
	steps int64
}

func newIntegrator(_ context.Context, env registry.Env, args ir.Args) (registry.Instance, error) {
	n, err := intArg(args, -1, "particles", DefaultParticles)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("particles must be positive, got %d", n)
	}
	k, err := floatArg(args, -1, "stiffness", DefaultStiffness)
	if err != nil {
		return nil, err
	}
	m, err := floatArg(args, -1, "mass", DefaultMass)
	if err != nil {
		return nil, err
	}
	dt, err := floatArg(args, -1, "dt", DefaultTimeStep)
	if err != nil {
		return nil, err
	}
	if k <= 0 || m <= 0 || dt <= 0 {
		return nil, errors.New("stiffness, mass and dt must be positive")
	}

	scale := 0.1 * float64(env.Rank.WorkerIndex()+1)
	x0 := make([]float64, n)
	for i := range x0 {
		x0[i] = scale * float64(i+1)
	}
	in := &integrator{x0: x0, k: k, m: m, dt: dt}
	in.reset()
	return in, nil
}

func (in *integrator) reset() {
	in.x = append(in.x[:0], in.x0...)
	in.v = make([]float64, len(in.x0))
	in.t = 0
	in.steps = 0
}

func (in *integrator) accel(x float64) float64 {
	return -in.k / in.m * x
}

func (in *integrator) step() {
	dt2 := in.dt * in.dt
	halfDt := 0.5 * in.dt
	for i := range in.x {
		a := in.accel(in.x[i])
		in.x[i] += in.v[i]*in.dt + 0.5*a*dt2
		in.v[i] += (a + in.accel(in.x[i])) * halfDt
	}
	in.t += in.dt
	in.steps++
}

func (in *integrator) energy() float64 {
	e := 0.0
	for i := range in.x {
		e += 0.5*in.m*in.v[i]*in.v[i] + 0.5*in.k*in.x[i]*in.x[i]
	}
	return e
}

func (in *integrator) Call(ctx context.Context, method string, args ir.Args) (ir.Value, error) {
	switch method {
	case "run":
		steps, err := intArg(args, 0, "steps", 1)
		if err != nil {
			return nil, err
		}
		if steps < 0 {
			return nil, fmt.Errorf("steps must not be negative, got %d", steps)
		}
		for range steps {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			in.step()
		}
		return nil, nil
	case "reset":
		in.reset()
		return nil, nil
	case "energy":
		e := in.energy()
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return nil, errors.New("integration diverged")
		}
		return ir.Float(e), nil
	case "time":
		return ir.Float(in.t), nil
	}
	return nil, fmt.Errorf("Integrator has no method %s", method)
}

func (in *integrator) GetProperty(name string) (ir.Value, error) {
	if name != "dt" {
		return nil, fmt.Errorf("Integrator has no property %s", name)
	}
	return ir.Float(in.dt), nil
}

func (in *integrator) SetProperty(name string, v ir.Value) error {
	if name != "dt" {
		return fmt.Errorf("Integrator has no property %s", name)
	}
	dt, err := ir.AsFloat(v)
	if err != nil {
		return fmt.Errorf("dt: %w", err)
	}
	if dt <= 0 {
		return fmt.Errorf("dt must be positive, got %g", dt)
	}
	in.dt = dt
	return nil
}

func kinetic(_ context.Context, args ir.Args) (ir.Value, error) {
	m, err := floatArg(args, 0, "mass", DefaultMass)
	if err != nil {
		return nil, err
	}
	v, err := floatArg(args, 1, "velocity", 0)
	if err != nil {
		return nil, err
	}
	return ir.Float(0.5 * m * v * v), nil
}

var (
	thermostatClass   = proxy.MustClass(mustSpec("Thermostat"))
	thermostatRelax   = thermostatClass.Broadcast("relax")
	thermostatReading = proxy.Gather(thermostatClass, "reading", ir.AsFloat)
	thermostatTemp    = proxy.Property(thermostatClass, "temperature", ir.AsFloat)
	thermostatTarget  = proxy.Property(thermostatClass, "target", ir.AsFloat)
	thermostatToF     = proxy.Local(thermostatClass, "fahrenheit", ir.AsFloat)

	integratorClass  = proxy.MustClass(mustSpec("Integrator"))
	integratorRun    = integratorClass.Broadcast("run")
	integratorReset  = integratorClass.Broadcast("reset")
	integratorEnergy = proxy.Gather(integratorClass, "energy", ir.AsFloat)
	integratorTime   = proxy.Gather(integratorClass, "time", ir.AsFloat)
	integratorDT     = proxy.Property(integratorClass, "dt", ir.AsFloat)
	integratorKE     = proxy.Local(integratorClass, "kinetic", ir.AsFloat)
)

// Thermostat holds a temperature on every participating rank.
type Thermostat struct {
	*proxy.Object
}

// NewThermostat constructs a Thermostat at temperature relaxing toward
// target, both in kelvin.
func NewThermostat(ctx context.Context, d *engine.Dispatcher, group *ir.CPUGroup, temperature, target float64) (*Thermostat, error) {
	o, err := thermostatClass.Construct(ctx, d, group, ir.Args{Named: ir.Object{
		"temperature": ir.Float(temperature),
		"target":      ir.Float(target),
	}})
	if err != nil {
		return nil, err
	}
	return &Thermostat{o}, nil
}

// Relax moves every rank's temperature the fraction rate toward the target.
func (th *Thermostat) Relax(ctx context.Context, rate float64) error {
	return thermostatRelax(ctx, th.Object, ir.Args{Positional: ir.Array{ir.Float(rate)}})
}

// Readings returns each participating rank's temperature.
func (th *Thermostat) Readings(ctx context.Context) ([]float64, error) {
	return thermostatReading(ctx, th.Object, ir.Args{})
}

// Temperature returns the authoritative temperature.
func (th *Thermostat) Temperature(ctx context.Context) (float64, error) {
	return thermostatTemp.Get(ctx, th.Object)
}

// SetTemperature sets the temperature on every rank.
func (th *Thermostat) SetTemperature(ctx context.Context, t float64) error {
	return thermostatTemp.Set(ctx, th.Object, t)
}

// Target returns the authoritative target temperature.
func (th *Thermostat) Target(ctx context.Context) (float64, error) {
	return thermostatTarget.Get(ctx, th.Object)
}

// SetTarget sets the target on every rank.
func (th *Thermostat) SetTarget(ctx context.Context, t float64) error {
	return thermostatTarget.Set(ctx, th.Object, t)
}

// Fahrenheit converts kelvin on the controller.
func (th *Thermostat) Fahrenheit(ctx context.Context, kelvin float64) (float64, error) {
	return thermostatToF(ctx, th.Object, ir.Args{Positional: ir.Array{ir.Float(kelvin)}})
}

// IntegratorConfig holds the constructor arguments of an Integrator.
// Zero fields take the package defaults.
type IntegratorConfig struct {
	Particles int64
	Stiffness float64
	Mass      float64
	DT        float64
}

func (c IntegratorConfig) args() ir.Args {
	named := ir.Object{}
	if c.Particles != 0 {
		named["particles"] = ir.Int(c.Particles)
	}
	if c.Stiffness != 0 {
		named["stiffness"] = ir.Float(c.Stiffness)
	}
	if c.Mass != 0 {
		named["mass"] = ir.Float(c.Mass)
	}
	if c.DT != 0 {
		named["dt"] = ir.Float(c.DT)
	}
	return ir.Args{Named: named}
}

// Integrator runs a harmonic particle set on every participating rank.
type Integrator struct {
	*proxy.Object
}

// NewIntegrator constructs an Integrator.
func NewIntegrator(ctx context.Context, d *engine.Dispatcher, group *ir.CPUGroup, cfg IntegratorConfig) (*Integrator, error) {
	o, err := integratorClass.Construct(ctx, d, group, cfg.args())
	if err != nil {
		return nil, err
	}
	return &Integrator{o}, nil
}

// Run advances every rank by steps time steps.
func (in *Integrator) Run(ctx context.Context, steps int64) error {
	return integratorRun(ctx, in.Object, ir.Args{Positional: ir.Array{ir.Int(steps)}})
}

// Reset returns every rank to its initial state.
func (in *Integrator) Reset(ctx context.Context) error {
	return integratorReset(ctx, in.Object, ir.Args{})
}

// Energies returns each participating rank's total energy.
func (in *Integrator) Energies(ctx context.Context) ([]float64, error) {
	return integratorEnergy(ctx, in.Object, ir.Args{})
}

// Times returns each participating rank's simulated time.
func (in *Integrator) Times(ctx context.Context) ([]float64, error) {
	return integratorTime(ctx, in.Object, ir.Args{})
}

// DT returns the authoritative time step.
func (in *Integrator) DT(ctx context.Context) (float64, error) {
	return integratorDT.Get(ctx, in.Object)
}

// SetDT sets the time step on every rank.
func (in *Integrator) SetDT(ctx context.Context, dt float64) error {
	return integratorDT.Set(ctx, in.Object, dt)
}

// Kinetic computes the kinetic energy of one particle on the controller.
func (in *Integrator) Kinetic(ctx context.Context, mass, velocity float64) (float64, error) {
	return integratorKE(ctx, in.Object, ir.Args{Positional: ir.Array{ir.Float(mass), ir.Float(velocity)}})
}
