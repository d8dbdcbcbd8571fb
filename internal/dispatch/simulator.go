package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/msageha/dronebatch/internal/executor"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
)

var ErrUnsupportedAction = errors.New("simulator does not support action")

// DroneState is the simulated state of one resource.
type DroneState struct {
	Connected bool    `json:"connected" yaml:"connected"`
	Airborne  bool    `json:"airborne" yaml:"airborne"`
	Recording bool    `json:"recording" yaml:"recording"`
	X         float64 `json:"x" yaml:"x"`
	Y         float64 `json:"y" yaml:"y"`
	Altitude  float64 `json:"altitude" yaml:"altitude"`
	Heading   float64 `json:"heading" yaml:"heading"`
	Speed     float64 `json:"speed" yaml:"speed"`
	Photos    int     `json:"photos" yaml:"photos"`
}

type SimulatorOptions struct {
	// Latency is added to every call.
	Latency time.Duration
	// Table and TimeScale scale each action's cost into extra latency:
	// a 5s takeoff with TimeScale 0.01 sleeps 50ms.
	Table     *rules.Table
	TimeScale float64
	// FailRate is the probability that an otherwise valid call is rejected.
	FailRate float64
	// Seed makes injected failures reproducible.
	Seed uint64
}

// Simulator is an in-memory drone fleet. It enforces the physical
// preconditions a real backend would (takeoff needs a link, move needs to be
// airborne) so plans can be dry-run end to end.
type Simulator struct {
	opts SimulatorOptions

	mu     sync.Mutex
	rng    *rand.Rand
	drones map[string]*DroneState
	calls  int
}

func NewSimulator(opts SimulatorOptions) *Simulator {
	return &Simulator{
		opts:   opts,
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		drones: make(map[string]*DroneState),
	}
}

// State returns a copy of the resource's state.
func (s *Simulator) State(resource string) (DroneState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drones[resource]
	if !ok {
		return DroneState{}, false
	}
	return *d, true
}

func (s *Simulator) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.drones))
	for k := range s.drones {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Calls is the number of Handle invocations so far.
func (s *Simulator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Simulator) Handle(ctx context.Context, action string, params model.Params) (executor.Outcome, error) {
	if err := s.wait(ctx, action); err != nil {
		return executor.Outcome{}, err
	}

	resource := executor.ResourceFrom(ctx)
	if resource == "" {
		resource = model.SystemResource
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.opts.FailRate > 0 && s.rng.Float64() < s.opts.FailRate {
		return executor.Outcome{Success: false, Message: fmt.Sprintf("%s on %s: injected failure", action, resource)}, nil
	}

	d, ok := s.drones[resource]
	if !ok {
		// The fleet-wide pseudo resource is always reachable.
		d = &DroneState{Connected: resource == model.SystemResource}
		s.drones[resource] = d
	}
	msg, err := apply(d, normalize(action), params)
	if err != nil {
		return executor.Outcome{}, err
	}
	if msg == "" {
		return executor.Outcome{Success: true, Message: fmt.Sprintf("%s on %s", action, resource), Data: *d}, nil
	}
	return executor.Outcome{Success: false, Message: msg, Data: *d}, nil
}

func (s *Simulator) wait(ctx context.Context, action string) error {
	d := s.opts.Latency
	if s.opts.Table != nil && s.opts.TimeScale > 0 {
		cost, _ := s.opts.Table.Cost(action)
		d += time.Duration(float64(cost) * s.opts.TimeScale)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply mutates d for action. A non-empty message is a rejection; an error is
// an unsupported call.
func apply(d *DroneState, action string, params model.Params) (string, error) {
	needLink := func() string {
		if !d.Connected {
			return "drone is not connected"
		}
		return ""
	}
	needAir := func() string {
		if msg := needLink(); msg != "" {
			return msg
		}
		if !d.Airborne {
			return "drone is not airborne"
		}
		return ""
	}

	switch action {
	case "connect":
		d.Connected = true
	case "disconnect":
		if d.Airborne {
			return "cannot disconnect while airborne", nil
		}
		d.Connected = false
		d.Recording = false
	case "takeoff":
		if msg := needLink(); msg != "" {
			return msg, nil
		}
		if d.Airborne {
			return "drone is already airborne", nil
		}
		d.Airborne = true
		d.Altitude = 1
		if alt, ok := params.Float("altitude"); ok && alt > 0 {
			d.Altitude = alt
		}
	case "land":
		if msg := needAir(); msg != "" {
			return msg, nil
		}
		d.Airborne = false
		d.Altitude = 0
	case "move":
		if msg := needAir(); msg != "" {
			return msg, nil
		}
		dist, _ := params.Float("distance")
		dir, _ := params.String("direction")
		switch dir {
		case "forward":
			d.X += dist * math.Cos(d.Heading*math.Pi/180)
			d.Y += dist * math.Sin(d.Heading*math.Pi/180)
		case "back", "backward":
			d.X -= dist * math.Cos(d.Heading*math.Pi/180)
			d.Y -= dist * math.Sin(d.Heading*math.Pi/180)
		case "left":
			d.Y += dist
		case "right":
			d.Y -= dist
		case "up":
			d.Altitude += dist
		case "down":
			if dist >= d.Altitude {
				return "move down would hit the ground", nil
			}
			d.Altitude -= dist
		default:
			return fmt.Sprintf("unknown direction %q", dir), nil
		}
	case "rotate":
		if msg := needAir(); msg != "" {
			return msg, nil
		}
		angle, _ := params.Float("angle")
		if dir, _ := params.String("direction"); dir == "counterclockwise" || dir == "ccw" {
			angle = -angle
		}
		d.Heading = math.Mod(math.Mod(d.Heading+angle, 360)+360, 360)
	case "hover", "flip":
		if msg := needAir(); msg != "" {
			return msg, nil
		}
	case "return_home":
		if msg := needAir(); msg != "" {
			return msg, nil
		}
		d.X, d.Y = 0, 0
	case "emergency_stop":
		d.Airborne = false
		d.Altitude = 0
	case "set_speed":
		if msg := needLink(); msg != "" {
			return msg, nil
		}
		speed, _ := params.Float("speed")
		if speed <= 0 {
			return "speed must be positive", nil
		}
		d.Speed = speed
	case "take_photo":
		if msg := needLink(); msg != "" {
			return msg, nil
		}
		d.Photos++
	case "start_video":
		if msg := needLink(); msg != "" {
			return msg, nil
		}
		d.Recording = true
	case "stop_video":
		if !d.Recording {
			return "no video is recording", nil
		}
		d.Recording = false
	case "get_status":
		if msg := needLink(); msg != "" {
			return msg, nil
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAction, action)
	}
	return "", nil
}
