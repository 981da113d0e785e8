// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package dpt

import "encoding/binary"

// encodeBoundary/decodeBoundary pack a PE's patricia.Trie.GlobalSA/
// GlobalLCP pair into a fixed 32-byte record for AllGather, the same
// 8-byte-LE-field convention reqengine and dispatch use for their own
// fixed-width wire records.
func encodeBoundary(sa, lcp [2]int64) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], uint64(sa[0]))
	binary.LittleEndian.PutUint64(buf[8:], uint64(sa[1]))
	binary.LittleEndian.PutUint64(buf[16:], uint64(lcp[0]))
	binary.LittleEndian.PutUint64(buf[24:], uint64(lcp[1]))
	return buf
}

func decodeBoundary(buf []byte) (sa, lcp [2]int64) {
	sa[0] = int64(binary.LittleEndian.Uint64(buf[0:]))
	sa[1] = int64(binary.LittleEndian.Uint64(buf[8:]))
	lcp[0] = int64(binary.LittleEndian.Uint64(buf[16:]))
	lcp[1] = int64(binary.LittleEndian.Uint64(buf[24:]))
	return
}
