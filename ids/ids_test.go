// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateNodeIDUnique(t *testing.T) {
	require := require.New(t)

	a := GenerateNodeID()
	b := GenerateNodeID()
	require.NotEqual(a, b)
	require.False(a.IsEmpty())
}

func TestDistanceSelf(t *testing.T) {
	require := require.New(t)

	n := GenerateNodeID()
	d := Distance(n, n)
	require.True(d.IsZero())
	require.Equal(-1, d.BucketIndex())
}

func TestDistanceSymmetric(t *testing.T) {
	require := require.New(t)

	a := GenerateNodeID()
	b := GenerateNodeID()
	require.Equal(Distance(a, b), Distance(b, a))
}

func TestBucketIndexRange(t *testing.T) {
	require := require.New(t)

	a := GenerateNodeID()
	b := GenerateNodeID()
	idx := Distance(a, b).BucketIndex()
	require.GreaterOrEqual(idx, 0)
	require.Less(idx, Len*8)
}

func TestNodeIDRoundTrip(t *testing.T) {
	require := require.New(t)

	n := GenerateNodeID()
	parsed, err := NodeIDFromString(n.String())
	require.NoError(err)
	require.Equal(n, parsed)
}
