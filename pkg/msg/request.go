package msg

import "github.com/cuemby/ward/pkg/codec"

// Request is the CLI/RPC command wire message.
type Request struct {
	Cmd  string
	Args []string
}

func EncodeRequest(enc *codec.Encoder, r Request) error {
	enc.String(r.Cmd)
	enc.BeginList()
	for _, a := range r.Args {
		enc.String(a)
	}
	return enc.EndList()
}

func DecodeRequest(dec *codec.Decoder) (Request, error) {
	var r Request
	var err error
	if r.Cmd, err = dec.String(); err != nil {
		return r, err
	}
	if err := dec.BeginList(); err != nil {
		return r, err
	}
	for dec.More() {
		a, err := dec.String()
		if err != nil {
			return r, err
		}
		r.Args = append(r.Args, a)
	}
	if err := dec.EndList(); err != nil {
		return r, err
	}
	return r, nil
}
