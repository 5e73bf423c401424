package treeshap

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// The binary model layout:
//
//	bytes[4] magic "SHAP"
//	int32    version
//	int32    numTrees, maxDepth, maxNodes, numOutputs
//	int32    offset of the int32 arrays, offset of the float64 arrays
//	float64  base offset
//	int32    children_left, children_right, children_default, features
//	float64  thresholds, values (scaled by numOutputs), node_sample_weight
//
// All values are little-endian. Each array holds numTrees*maxNodes elements.
const (
	modelMagic   = "SHAP"
	modelVersion = 1
	headerSize   = 40
)

var byteOrder = binary.LittleEndian

// Parse decodes an ensemble from the binary model format.
func Parse(data []byte) (*TreeEnsemble, error) {
	var e TreeEnsemble
	if err := e.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &e, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. It may only be
// called on a zero TreeEnsemble; an ensemble is never modified once it has
// been initialized.
func (e *TreeEnsemble) UnmarshalBinary(data []byte) error {
	if e.initialized {
		return errors.Wrap(ErrIllegalState, "ensemble is already initialized")
	}

	if len(data) < len(modelMagic) || string(data[:len(modelMagic)]) != modelMagic {
		return errors.Wrap(ErrFormat, "missing SHAP magic bytes")
	}
	if len(data) < headerSize {
		return errors.Wrapf(
			ErrOutOfRange,
			"header needs %d bytes, got %d",
			headerSize,
			len(data),
		)
	}

	header := make([]int32, 7)
	for i := range header {
		header[i] = int32(byteOrder.Uint32(data[4+4*i:]))
	}
	version := header[0]
	numTrees := int64(header[1])
	maxDepth := int64(header[2])
	maxNodes := int64(header[3])
	numOutputs := int64(header[4])
	offsetInts := int64(header[5])
	offsetDoubles := int64(header[6])
	baseOffset := math.Float64frombits(byteOrder.Uint64(data[32:]))

	if version != modelVersion {
		return errors.Wrapf(
			ErrFormat,
			"unsupported version %d, expected %d",
			version,
			modelVersion,
		)
	}

	if numTrees < 0 || maxDepth < 0 || maxNodes < 0 || numOutputs < 0 {
		return errors.Wrapf(
			ErrOutOfRange,
			"negative size in header (trees=%d depth=%d nodes=%d outputs=%d)",
			numTrees,
			maxDepth,
			maxNodes,
			numOutputs,
		)
	}

	n := numTrees * maxNodes
	size := int64(len(data))
	if n > size || n*numOutputs > size {
		return errors.Wrapf(
			ErrOutOfRange,
			"%d trees of %d nodes with %d outputs do not fit in %d bytes",
			numTrees,
			maxNodes,
			numOutputs,
			size,
		)
	}
	intsEnd := offsetInts + 4*4*n
	doublesEnd := offsetDoubles + 8*(n+n*numOutputs+n)
	if offsetInts < 0 || intsEnd > size {
		return errors.Wrapf(
			ErrOutOfRange,
			"int arrays span [%d, %d) in a %d byte buffer",
			offsetInts,
			intsEnd,
			size,
		)
	}
	if offsetDoubles < 0 || doublesEnd > size {
		return errors.Wrapf(
			ErrOutOfRange,
			"double arrays span [%d, %d) in a %d byte buffer",
			offsetDoubles,
			doublesEnd,
			size,
		)
	}

	off := offsetInts
	e.childrenLeft, off = readInt32s(data, off, n)
	e.childrenRight, off = readInt32s(data, off, n)
	e.childrenDefault, off = readInt32s(data, off, n)
	e.features, _ = readInt32s(data, off, n)

	off = offsetDoubles
	e.thresholds, off = readFloat64s(data, off, n)
	e.values, off = readFloat64s(data, off, n*numOutputs)
	e.nodeSampleWeights, _ = readFloat64s(data, off, n)

	e.baseOffset = baseOffset
	e.maxDepth = int(maxDepth)
	e.treeLimit = int(numTrees)
	e.maxNodes = int(maxNodes)
	e.numOutputs = int(numOutputs)

	return e.finalize()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *TreeEnsemble) MarshalBinary() ([]byte, error) {
	if !e.initialized {
		return nil, errors.Wrap(ErrIllegalState, "ensemble is not initialized")
	}

	n := len(e.childrenLeft)
	offsetInts := headerSize
	offsetDoubles := offsetInts + 4*4*n
	buf := make([]byte, 0, offsetDoubles+8*(2*n+len(e.values)))

	buf = append(buf, modelMagic...)
	for _, v := range []int{
		modelVersion,
		e.treeLimit,
		e.maxDepth,
		e.maxNodes,
		e.numOutputs,
		offsetInts,
		offsetDoubles,
	} {
		buf = byteOrder.AppendUint32(buf, uint32(int32(v)))
	}
	buf = byteOrder.AppendUint64(buf, math.Float64bits(e.baseOffset))

	for _, a := range [][]int32{e.childrenLeft, e.childrenRight, e.childrenDefault, e.features} {
		for _, v := range a {
			buf = byteOrder.AppendUint32(buf, uint32(v))
		}
	}
	for _, a := range [][]float64{e.thresholds, e.values, e.nodeSampleWeights} {
		for _, v := range a {
			buf = byteOrder.AppendUint64(buf, math.Float64bits(v))
		}
	}

	return buf, nil
}

func readInt32s(data []byte, off, n int64) ([]int32, int64) {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(byteOrder.Uint32(data[off:]))
		off += 4
	}
	return out, off
}

func readFloat64s(data []byte, off, n int64) ([]float64, int64) {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(byteOrder.Uint64(data[off:]))
		off += 8
	}
	return out, off
}
