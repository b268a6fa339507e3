package substrate

import (
	"fmt"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/model"
)

// Call names of the registry interface, relative to the interface name
var callNames = map[model.CommandKind]string{
	model.CommandCreate:   "create_student",
	model.CommandUpdate:   "update_student",
	model.CommandDelete:   "delete_student",
	model.CommandGraduate: "graduate_student",
}

// gender is the single-byte enum encoding of model.Gender
type gender model.Gender

func (g *gender) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	if !model.Gender(b).Valid() {
		return fmt.Errorf("unknown gender variant %d", b)
	}
	*g = gender(b)
	return nil
}

func (g gender) Encode(encoder scale.Encoder) error {
	return encoder.PushByte(byte(g))
}

// student is the stored record layout
type student struct {
	Name      types.Bytes
	Surname   types.Bytes
	Age       types.U32
	Gender    gender
	Graduated types.Bool
}

func (s student) record(id uint32) model.Record {
	return model.Record{
		ID:        id,
		Name:      string(s.Name),
		Surname:   string(s.Surname),
		Age:       uint32(s.Age),
		Gender:    model.Gender(s.Gender),
		Graduated: bool(s.Graduated),
	}
}

func encodeIndex(index uint32) ([]byte, error) {
	return codec.Encode(types.NewU32(index))
}

// newCall builds the call for an operation against the resolved interface
func newCall(meta *types.Metadata, op ledger.Operation) (types.Call, error) {
	name, ok := callNames[op.Kind]
	if !ok {
		return types.Call{}, fmt.Errorf("unsupported operation %q", op.Kind)
	}
	method := op.Interface + "." + name

	switch op.Kind {
	case model.CommandCreate:
		return types.NewCall(meta, method,
			types.NewBytes([]byte(op.Fields.Name)),
			types.NewBytes([]byte(op.Fields.Surname)),
			types.NewU32(op.Fields.Age),
			gender(op.Fields.Gender))
	case model.CommandUpdate:
		return types.NewCall(meta, method,
			types.NewU32(op.RecordID),
			types.NewBytes([]byte(op.Fields.Name)),
			types.NewBytes([]byte(op.Fields.Surname)),
			types.NewU32(op.Fields.Age),
			gender(op.Fields.Gender))
	default:
		return types.NewCall(meta, method, types.NewU32(op.RecordID))
	}
}

// modules lists every pallet that exposes storage, with its storage item names
func modules(meta *types.Metadata) ([]ledger.Module, error) {
	if meta.Version != 14 {
		return nil, fmt.Errorf("unsupported metadata version %d", meta.Version)
	}
	out := make([]ledger.Module, 0, len(meta.AsMetadataV14.Pallets))
	for _, p := range meta.AsMetadataV14.Pallets {
		if !p.HasStorage {
			continue
		}
		m := ledger.Module{Name: string(p.Name)}
		for _, item := range p.Storage.Items {
			m.Accessors = append(m.Accessors, string(item.Name))
		}
		out = append(out, m)
	}
	return out, nil
}

// moduleErrorName maps a module error to "<pallet>.<variant>"
func moduleErrorName(meta *types.Metadata, palletIndex, errIndex uint8) (string, bool) {
	if meta.Version != 14 {
		return "", false
	}
	for _, p := range meta.AsMetadataV14.Pallets {
		if uint8(p.Index) != palletIndex || !p.HasErrors {
			continue
		}
		t, ok := meta.AsMetadataV14.EfficientLookup[p.Errors.Type.Int64()]
		if !ok || !t.Def.IsVariant {
			return "", false
		}
		for _, v := range t.Def.Variant.Variants {
			if uint8(v.Index) == errIndex {
				return string(p.Name) + "." + string(v.Name), true
			}
		}
	}
	return "", false
}

// moduleError digs the pallet index and error byte out of a decoded
// DispatchError::Module value
func moduleError(v any) (palletIndex, errIndex uint8, ok bool) {
	var foundIndex, foundError bool
	var walk func(name string, v any)
	walk = func(name string, v any) {
		switch {
		case strings.HasSuffix(name, "index") && !foundIndex:
			if b, isByte := firstByte(v); isByte {
				palletIndex, foundIndex = b, true
				return
			}
		case strings.HasSuffix(name, "error") && !foundError:
			if b, isByte := firstByte(v); isByte {
				errIndex, foundError = b, true
				return
			}
		}
		switch val := v.(type) {
		case registry.DecodedFields:
			for _, f := range val {
				walk(f.Name, f.Value)
			}
		case []*registry.DecodedField:
			for _, f := range val {
				walk(f.Name, f.Value)
			}
		case map[string]any:
			for k, inner := range val {
				walk(k, inner)
			}
		case []any:
			for _, inner := range val {
				walk("", inner)
			}
		}
	}
	walk("", v)
	return palletIndex, errIndex, foundIndex && foundError
}

func firstByte(v any) (uint8, bool) {
	switch val := v.(type) {
	case types.U8:
		return uint8(val), true
	case uint8:
		return val, true
	case []byte:
		if len(val) > 0 {
			return val[0], true
		}
	case []types.U8:
		if len(val) > 0 {
			return uint8(val[0]), true
		}
	case []any:
		if len(val) > 0 {
			return firstByte(val[0])
		}
	}
	return 0, false
}
