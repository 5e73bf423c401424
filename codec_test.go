package treeshap

import (
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	e := testEnsemble(t)

	raw, err := e.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, "SHAP", string(raw[:4]))
	assert.Len(t, raw, headerSize+3*7*(4*4+8*3))

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, e, parsed)

	again, err := parsed.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestParseHeader(t *testing.T) {
	raw, err := testEnsemble(t).MarshalBinary()
	require.NoError(t, err)

	var (
		version       = binary.LittleEndian.Uint32(raw[4:])
		numTrees      = binary.LittleEndian.Uint32(raw[8:])
		maxDepth      = binary.LittleEndian.Uint32(raw[12:])
		maxNodes      = binary.LittleEndian.Uint32(raw[16:])
		numOutputs    = binary.LittleEndian.Uint32(raw[20:])
		offsetInts    = binary.LittleEndian.Uint32(raw[24:])
		offsetDoubles = binary.LittleEndian.Uint32(raw[28:])
	)
	assert.EqualValues(t, 1, version)
	assert.EqualValues(t, 3, numTrees)
	assert.EqualValues(t, 2, maxDepth)
	assert.EqualValues(t, 7, maxNodes)
	assert.EqualValues(t, 1, numOutputs)
	assert.EqualValues(t, 40, offsetInts)
	assert.EqualValues(t, 40+4*4*21, offsetDoubles)

	// children_left of tree 0, node 1
	assert.EqualValues(t, 3, binary.LittleEndian.Uint32(raw[40+4:]))
}

func TestParseErrors(t *testing.T) {
	valid, err := testEnsemble(t).MarshalBinary()
	require.NoError(t, err)

	modified := func(f func(raw []byte) []byte) []byte {
		return f(append([]byte(nil), valid...))
	}
	putInt := func(raw []byte, off int, v int32) []byte {
		binary.LittleEndian.PutUint32(raw[off:], uint32(v))
		return raw
	}

	tests := []struct {
		name string
		raw  []byte
		err  error
	}{
		{"empty", nil, ErrFormat},
		{"bad magic", modified(func(raw []byte) []byte { raw[0] = 'X'; return raw }), ErrFormat},
		{"bad version", modified(func(raw []byte) []byte { return putInt(raw, 4, 2) }), ErrFormat},
		{"truncated header", valid[:20], ErrOutOfRange},
		{"truncated arrays", valid[:len(valid)-1], ErrOutOfRange},
		{"negative trees", modified(func(raw []byte) []byte { return putInt(raw, 8, -1) }), ErrOutOfRange},
		{"too many trees", modified(func(raw []byte) []byte { return putInt(raw, 8, 1<<30) }), ErrOutOfRange},
		{"int offset", modified(func(raw []byte) []byte { return putInt(raw, 24, int32(len(valid))) }), ErrOutOfRange},
		{"negative double offset", modified(func(raw []byte) []byte { return putInt(raw, 28, -8) }), ErrOutOfRange},
		{"depth too small", modified(func(raw []byte) []byte { return putInt(raw, 12, 1) }), ErrOutOfRange},
		{"child out of range", modified(func(raw []byte) []byte { return putInt(raw, 40+4, 100) }), ErrOutOfRange},
		{
			"shared child",
			modified(func(raw []byte) []byte { return putInt(raw, 40+4*21, 1) }),
			ErrOutOfRange,
		},
		{
			"default not a child",
			modified(func(raw []byte) []byte { return putInt(raw, 40+2*4*21, 5) }),
			ErrOutOfRange,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(test.raw)
			require.ErrorIs(t, err, test.err)
		})
	}
}

func TestUnmarshalBinaryIllegalState(t *testing.T) {
	e := testEnsemble(t)
	raw, err := e.MarshalBinary()
	require.NoError(t, err)

	require.ErrorIs(t, e.UnmarshalBinary(raw), ErrIllegalState)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.ErrorIs(t, parsed.UnmarshalBinary(raw), ErrIllegalState)

	var zero TreeEnsemble
	_, err = zero.MarshalBinary()
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestParseDeepSharedChildren(t *testing.T) {
	// Every internal node routes both ways to the next one. Walked as a
	// tree, this would have 2^40 paths.
	const depth = 40
	maxNodes := depth + 1
	n := maxNodes

	raw := []byte(modelMagic)
	for _, v := range []int{modelVersion, 1, depth, maxNodes, 1, headerSize, headerSize + 16*n} {
		raw = binary.LittleEndian.AppendUint32(raw, uint32(v))
	}
	raw = binary.LittleEndian.AppendUint64(raw, 0)
	for range 3 {
		for i := range n {
			child := int32(i + 1)
			if i == depth {
				child = -1
			}
			raw = binary.LittleEndian.AppendUint32(raw, uint32(child))
		}
	}
	for range n {
		raw = binary.LittleEndian.AppendUint32(raw, 0)
	}
	raw = append(raw, make([]byte, 8*3*n)...)

	_, err := Parse(raw)
	require.ErrorIs(t, err, ErrOutOfRange)
}

// small.shap4j holds two trees over three features with a base offset of
// 0.5. The first tree splits feature 0 at 1 (missing goes left) and then
// feature 1 at 0. The second splits feature 2 at 0.5 and is padded with two
// unused slots.
func TestParseFixture(t *testing.T) {
	raw, err := os.ReadFile("testdata/small.shap4j")
	require.NoError(t, err)

	e, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, e.TreeLimit())
	assert.Equal(t, 5, e.MaxNodes())
	assert.Equal(t, 2, e.MaxDepth())
	assert.Equal(t, 3, e.NumFeatures())
	assert.InDelta(t, 0.5, e.BaseOffset(), 0)
	assert.InDeltaSlice(t, []float64{0.5 + 1.8 - 0.125}, e.ExpectedValue(), 1e-12)

	again, err := e.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, raw, again)

	explainer, err := NewExplainerFromFile("testdata/small.shap4j")
	require.NoError(t, err)

	phi, err := explainer.ExplainVector([]float64{0.5, 1, 1}, false, true)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-0.2, 0.4, -0.375}, phi, 1e-12)

	rows := [][]float64{
		{0.5, 1, 1},
		{2, -1, 0},
		{math.NaN(), 0.5, math.NaN()},
		{1, 0, 0.5},
	}
	contributions := explainRows(t, e, rows, true, pathDependent)
	for i, row := range rows {
		missing := make([]bool, len(row))
		for j, v := range row {
			missing[j] = math.IsNaN(v)
		}

		got := contributions[i*4 : (i+1)*4]
		assert.InDeltaSlice(t, bruteForceShap(e, row, missing), got, 1e-9, "row %d", i)

		output, err := e.PredictRow(row, missing)
		require.NoError(t, err)
		assert.InDelta(t, output[0], sum(got), 1e-9, "row %d", i)
	}
}

// The boston housing model is produced by an external converter and is not
// distributed with this package. Copy it to testdata/ to run this test.
func TestBostonModel(t *testing.T) {
	raw, err := os.ReadFile("testdata/boston.shap4j")
	if os.IsNotExist(err) {
		t.Skip("testdata/boston.shap4j not available")
	}
	require.NoError(t, err)

	e, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, e.NumOutputs())
	assert.Equal(t, 49, e.MaxNodes())
	assert.Equal(t, 100, e.TreeLimit())
	assert.Equal(t, 1, e.ChildLeft(0, 0))
	assert.Equal(t, 3, e.ChildLeft(0, 1))

	explainer := NewExplainerFromEnsemble(e)
	x := []float64{
		6.320e-03, 1.800e+01, 2.310e+00, 0.000e+00, 5.380e-01, 6.575e+00,
		6.520e+01, 4.090e+00, 1.000e+00, 2.960e+02, 1.530e+01, 3.969e+02,
		4.980e+00,
	}

	exact, err := explainer.ExplainVector(x, false, false)
	require.NoError(t, err)
	assert.InDeltaSlice(
		t,
		[]float64{
			0.2146, 0.0013, 0.0186, 0.0, -0.4072, -1.1618, -0.0513,
			-0.3420, -0.0404, 0.0055, 0.0504, 0.0273, 3.9443,
		},
		exact,
		1e-4,
	)

	approximate, err := explainer.ExplainVector(x, true, false)
	require.NoError(t, err)
	assert.InDeltaSlice(
		t,
		[]float64{
			0.0, 0.0, 0.0089, 0.0, -1.1371, -1.4975, -0.0269,
			-0.4336, 0.0, 0.0, 0.0, 0.0, 5.3455,
		},
		approximate,
		1e-4,
	)
}
