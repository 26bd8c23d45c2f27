package persist

import (
	"bufio"
	"io"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// encodeSample writes s as one length-delimited structpb.Struct.
func encodeSample(w io.Writer, s *types.Sample) error {
	msg := &structpb.Struct{Fields: make(map[string]*structpb.Value, s.Len())}
	for _, k := range s.Keys() {
		v, _ := s.Get(k)
		msg.Fields[k] = structpb.NewNumberValue(v)
	}
	_, err := protodelim.MarshalTo(w, msg)
	return err
}

// decodeSample reads the next sample. It returns io.EOF at a clean end of stream.
func decodeSample(r *bufio.Reader) (map[string]float64, error) {
	msg := &structpb.Struct{}
	if err := protodelim.UnmarshalFrom(r, msg); err != nil {
		return nil, err
	}
	values := make(map[string]float64, len(msg.Fields))
	for k, v := range msg.Fields {
		values[k] = v.GetNumberValue()
	}
	return values, nil
}
