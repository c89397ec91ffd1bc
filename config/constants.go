// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

// RaftQuorum returns the smallest majority of voting members that
// guarantees agreement under crash faults.
func RaftQuorum(votingMembers int) int {
	return votingMembers/2 + 1
}

// ByzantineThreshold returns f, the maximum number of Byzantine replicas a
// cluster of the given voting size can tolerate.
func ByzantineThreshold(votingMembers int) int {
	if votingMembers == 0 {
		return 0
	}
	return (votingMembers - 1) / 3
}

// IsByzantineSafe reports whether a cluster of the given voting size
// satisfies |voting_members| >= 3f+1.
func IsByzantineSafe(votingMembers int) bool {
	f := ByzantineThreshold(votingMembers)
	return votingMembers >= 3*f+1
}

// PBFTPrepareQuorum is the number of matching prepares (besides the
// pre-prepare) required before a replica considers a request prepared.
func PBFTPrepareQuorum(votingMembers int) int {
	return 2 * ByzantineThreshold(votingMembers)
}

// PBFTCommitQuorum is the number of matching commits required, including
// the replica's own, before a request is committed-local.
func PBFTCommitQuorum(votingMembers int) int {
	return 2*ByzantineThreshold(votingMembers) + 1
}
