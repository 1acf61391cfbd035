package msg

import (
	"github.com/cuemby/ward/pkg/codec"
	"github.com/cuemby/ward/pkg/types"
)

// ServiceReport is one service's entry in a HealthReport.
type ServiceReport struct {
	Name   string
	Event  string
	State  types.ServiceState
	Failed bool
}

// HealthReport is the runner->elector periodic wire message.
type HealthReport struct {
	Name          string
	Uptime        uint64
	State         types.State
	Mode          types.RunnerMode
	Maintenance   bool
	ServiceAction types.ServiceAction
	Services      []ServiceReport
}

func EncodeHealthReport(enc *codec.Encoder, r HealthReport) {
	enc.String(r.Name)
	enc.Uint64(r.Uptime)
	enc.Int(int32(r.State))
	enc.Int(int32(r.Mode))
	enc.Bool(r.Maintenance)
	enc.Int(int32(r.ServiceAction))
	enc.Int(int32(len(r.Services)))
	for _, s := range r.Services {
		enc.String(s.Name)
		enc.String(s.Event)
		enc.Int(int32(s.State))
		enc.Bool(s.Failed)
	}
}

func DecodeHealthReport(dec *codec.Decoder) (HealthReport, error) {
	var r HealthReport
	var err error

	if r.Name, err = dec.String(); err != nil {
		return r, err
	}
	if r.Uptime, err = dec.Uint64(); err != nil {
		return r, err
	}
	state, err := dec.Int()
	if err != nil {
		return r, err
	}
	r.State = types.State(state)

	mode, err := dec.Int()
	if err != nil {
		return r, err
	}
	r.Mode = types.RunnerMode(mode)

	if r.Maintenance, err = dec.Bool(); err != nil {
		return r, err
	}

	action, err := dec.Int()
	if err != nil {
		return r, err
	}
	r.ServiceAction = types.ServiceAction(action)

	n, err := dec.Int()
	if err != nil {
		return r, err
	}
	r.Services = make([]ServiceReport, 0, n)
	for i := int32(0); i < n; i++ {
		var s ServiceReport
		if s.Name, err = dec.String(); err != nil {
			return r, err
		}
		if s.Event, err = dec.String(); err != nil {
			return r, err
		}
		st, err := dec.Int()
		if err != nil {
			return r, err
		}
		s.State = types.ServiceState(st)
		if s.Failed, err = dec.Bool(); err != nil {
			return r, err
		}
		r.Services = append(r.Services, s)
	}
	return r, nil
}
