// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

// Checksum computes the UPB packet checksum: the two's complement of the
// low byte of the sum of all bytes.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

// VerifyChecksum reports whether data, with its trailing checksum byte,
// sums to zero.
func VerifyChecksum(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum == 0
}
