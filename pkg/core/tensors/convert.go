package tensors

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ConvertTo returns a new tensor with the same dimensions converted to the
// given dtype. The data is copied and converted element-wise; the result is
// never a view.
//
// Supported conversions: among Float16, Float32 and Float64, plus the
// identity conversion (which clones). Reduced-precision inputs are upcast
// with float16's round-trip-exact semantics; downcasts round to nearest.
func (t *Tensor) ConvertTo(dtype dtypes.DType) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "Tensor.ConvertTo")
	}
	if dtype == t.shape.DType {
		return t.Clone(), nil
	}

	as64, err := t.flatAsFloat64()
	if err != nil {
		return nil, errors.WithMessagef(err, "Tensor.ConvertTo(%s)", dtype)
	}

	dims := t.shape.Dimensions
	switch dtype {
	case dtypes.Float16:
		out := make([]float16.Float16, len(as64))
		for ii, v := range as64 {
			out[ii] = float16.Fromfloat32(float32(v))
		}
		return FromFlatDataAndDimensions(out, dims...), nil
	case dtypes.Float32:
		out := make([]float32, len(as64))
		for ii, v := range as64 {
			out[ii] = float32(v)
		}
		return FromFlatDataAndDimensions(out, dims...), nil
	case dtypes.Float64:
		return FromFlatDataAndDimensions(as64, dims...), nil
	}
	return nil, errors.Errorf("Tensor.ConvertTo(%s) not supported from %s", dtype, t.shape.DType)
}

// flatAsFloat64 widens the tensor's flat data to float64, the common
// intermediate for conversions.
func (t *Tensor) flatAsFloat64() ([]float64, error) {
	out := make([]float64, t.Size())
	switch t.shape.DType {
	case dtypes.Float16:
		MustConstFlatData(t, func(flat []float16.Float16) {
			for ii, v := range flat {
				out[ii] = float64(v.Float32())
			}
		})
	case dtypes.Float32:
		MustConstFlatData(t, func(flat []float32) {
			for ii, v := range flat {
				out[ii] = float64(v)
			}
		})
	case dtypes.Float64:
		MustConstFlatData(t, func(flat []float64) {
			copy(out, flat)
		})
	default:
		return nil, errors.Errorf("dtype %s is not a supported conversion source", t.shape.DType)
	}
	return out, nil
}
