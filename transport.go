/*
Copyright © 2024 the hamr authors.
This file is part of hamr.

hamr is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

hamr is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with hamr.  If not, see <http://www.gnu.org/licenses/>.
*/

package hamr

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Tag identifies the kind of a message between ranks.
type Tag int

// Message tags.
const (
	TagLayout Tag = iota // block indices of a UniqueLayout
	TagField             // field data for new boxes
	numTags
)

// Transport moves messages between ranks. Send blocks until the matching
// Recv has taken the message.
type Transport interface {
	NRanks() int
	Send(ctx context.Context, from, to int, tag Tag, payload []byte) error
	Recv(ctx context.Context, to, from int, tag Tag) ([]byte, error)
}

// ChanTransport is an in-process Transport with one unbuffered channel
// per ordered pair of ranks and tag. It counts the traffic it carries.
type ChanTransport struct {
	n     int
	ch    [numTags][]chan []byte
	msgs  [numTags]int64
	bytes [numTags]int64
}

// NewChanTransport returns a transport between n ranks.
func NewChanTransport(n int) *ChanTransport {
	t := &ChanTransport{n: n}
	for tag := range t.ch {
		t.ch[tag] = make([]chan []byte, n*n)
		for i := range t.ch[tag] {
			t.ch[tag][i] = make(chan []byte)
		}
	}
	return t
}

// NRanks returns the number of ranks.
func (t *ChanTransport) NRanks() int { return t.n }

func (t *ChanTransport) channel(from, to int, tag Tag) (chan []byte, error) {
	if from < 0 || from >= t.n || to < 0 || to >= t.n || from == to {
		return nil, fmt.Errorf("hamr: invalid transfer from rank %d to rank %d", from, to)
	}
	if tag < 0 || tag >= numTags {
		return nil, fmt.Errorf("hamr: invalid message tag %d", tag)
	}
	return t.ch[tag][from*t.n+to], nil
}

// Send delivers payload from rank from to rank to.
func (t *ChanTransport) Send(ctx context.Context, from, to int, tag Tag, payload []byte) error {
	c, err := t.channel(from, to, tag)
	if err != nil {
		return err
	}
	select {
	case c <- payload:
		atomic.AddInt64(&t.msgs[tag], 1)
		atomic.AddInt64(&t.bytes[tag], int64(len(payload)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits for a message from rank from to rank to.
func (t *ChanTransport) Recv(ctx context.Context, to, from int, tag Tag) ([]byte, error) {
	c, err := t.channel(from, to, tag)
	if err != nil {
		return nil, err
	}
	select {
	case p := <-c:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages returns the number of messages sent with tag.
func (t *ChanTransport) Messages(tag Tag) int64 { return atomic.LoadInt64(&t.msgs[tag]) }

// Bytes returns the number of payload bytes sent with tag.
func (t *ChanTransport) Bytes(tag Tag) int64 { return atomic.LoadInt64(&t.bytes[tag]) }

// ResetCounters zeroes the traffic counters.
func (t *ChanTransport) ResetCounters() {
	for tag := range t.msgs {
		atomic.StoreInt64(&t.msgs[tag], 0)
		atomic.StoreInt64(&t.bytes[tag], 0)
	}
}

// CommSchedule returns the pairwise exchange schedule for n ranks, n a
// power of two. Row r lists the partner of rank r in each cycle; cycle 0
// pairs every rank with itself.
func CommSchedule(n int) [][]int {
	m := make([][]int, n)
	for r := range m {
		m[r] = make([]int, n)
		for c := range m[r] {
			m[r][c] = r ^ c
		}
	}
	return m
}

// exchange sends out to partner and returns what partner sent back. The
// lower rank sends first.
func exchange(ctx context.Context, tr Transport, me, partner int, tag Tag, out []byte) ([]byte, error) {
	if me < partner {
		if err := tr.Send(ctx, me, partner, tag, out); err != nil {
			return nil, err
		}
		return tr.Recv(ctx, me, partner, tag)
	}
	in, err := tr.Recv(ctx, me, partner, tag)
	if err != nil {
		return nil, err
	}
	return in, tr.Send(ctx, me, partner, tag, out)
}
