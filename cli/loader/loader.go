//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package loader writes a firmware image into the target through a probe
// session, verifying every chunk it writes.
package loader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/samber/lo"

	"github.com/mongoose-os/probe-run/cli/chip"
	"github.com/mongoose-os/probe-run/cli/image"
	"github.com/mongoose-os/probe-run/cli/ourutil"
	"github.com/mongoose-os/probe-run/cli/probe"
)

type ErrorKind int

const (
	VerifyMismatch ErrorKind = iota
	ProbeDisconnected
	ImageParseError
	// WriteFailed is any other transport failure, e.g. flash controller errors.
	WriteFailed
)

func (k ErrorKind) String() string {
	switch k {
	case VerifyMismatch:
		return "VerifyMismatch"
	case ProbeDisconnected:
		return "ProbeDisconnected"
	case ImageParseError:
		return "ImageParseError"
	case WriteFailed:
		return "WriteFailed"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// LoadError is the cause of every error returned by Load.
type LoadError struct {
	Kind    ErrorKind
	Address uint32
	Err     error
}

func (e *LoadError) Error() string {
	s := e.Kind.String()
	if e.Kind == VerifyMismatch || e.Kind == ImageParseError {
		s += fmt.Sprintf(" @ 0x%08x", e.Address)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// AsLoadError returns the LoadError at the cause of err, if any.
func AsLoadError(err error) (*LoadError, bool) {
	le, ok := errors.Cause(err).(*LoadError)
	return le, ok
}

func transportError(err error, addr uint32, what string) error {
	kind := WriteFailed
	if probe.IsDisconnected(err) || probe.IsTimeout(err) {
		kind = ProbeDisconnected
	}
	return &LoadError{Kind: kind, Address: addr, Err: errors.Annotatef(err, "%s", what)}
}

type Options struct {
	// Read back and compare every chunk after writing it.
	Verify bool
	// Assume the flash is already erased.
	SkipErase bool
	// Bound on every probe operation, no bound if zero.
	OpTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{Verify: true}
}

type loader struct {
	sess probe.Session
	chip *chip.Chip
	opts Options

	tErase, tWrite, tVerify time.Duration
}

// Load erases the flash sectors that the image covers, then writes and
// verifies its segments. The target is halted before the first write and is
// left halted. Any failure aborts the whole load.
func Load(ctx context.Context, sess probe.Session, img *image.Image, opts Options) error {
	l := &loader{sess: sess, chip: sess.Chip(), opts: opts}
	if l.chip == nil {
		return errors.Errorf("session has no chip")
	}
	if err := l.checkLayout(img); err != nil {
		return errors.Trace(err)
	}
	if sess.State() != probe.StateHalted {
		if err := l.do(ctx, func(ctx context.Context) error { return sess.Halt(ctx) }); err != nil {
			return transportError(err, 0, "failed to halt the target")
		}
	}
	start := time.Now()
	sectors := l.sectorsToErase(img)
	if !opts.SkipErase {
		if err := l.erase(ctx, sectors); err != nil {
			return errors.Trace(err)
		}
	}
	for _, seg := range l.writeRuns(img.Segments) {
		if err := l.writeSegment(ctx, seg); err != nil {
			return errors.Trace(err)
		}
	}
	ourutil.Reportf("Loaded %d bytes in %d segments, %d sectors erased, %.2fs (erase %.2fs, write %.2fs, verify %.2fs)",
		img.Size(), len(img.Segments), len(sectors), time.Since(start).Seconds(),
		l.tErase.Seconds(), l.tWrite.Seconds(), l.tVerify.Seconds())
	return nil
}

func (l *loader) do(ctx context.Context, op func(ctx context.Context) error) error {
	if l.opts.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.OpTimeout)
		defer cancel()
	}
	err := op(ctx)
	if err != nil && errors.Cause(err) == context.DeadlineExceeded {
		err = errors.Wrap(err, probe.ErrTimeout)
	}
	return err
}

// checkLayout makes sure every segment lies entirely in flash or in RAM.
func (l *loader) checkLayout(img *image.Image) error {
	if img == nil || len(img.Segments) == 0 {
		return &LoadError{Kind: ImageParseError, Err: errors.Errorf("no segments to load")}
	}
	for _, seg := range img.Segments {
		last := uint32(seg.End() - 1)
		switch {
		case l.chip.InFlash(seg.Addr) && l.chip.InFlash(last):
		case l.chip.InRAM(seg.Addr) && l.chip.InRAM(last):
		default:
			return &LoadError{
				Kind:    ImageParseError,
				Address: seg.Addr,
				Err:     errors.Errorf("segment [0x%08x, 0x%08x) is outside of %s memory", seg.Addr, seg.End(), l.chip.Name),
			}
		}
	}
	return nil
}

// sectorsToErase returns the flash sectors overlapping any segment, in ascending order.
func (l *loader) sectorsToErase(img *image.Image) []chip.Sector {
	var all []chip.Sector
	for _, seg := range img.Segments {
		if l.chip.InFlash(seg.Addr) {
			all = append(all, l.chip.SectorsOverlapping(seg.Addr, uint32(len(seg.Data)))...)
		}
	}
	res := lo.UniqBy(all, func(s chip.Sector) int { return s.Index })
	sort.Slice(res, func(i, j int) bool { return res[i].Addr < res[j].Addr })
	return res
}

func (l *loader) erase(ctx context.Context, sectors []chip.Sector) error {
	start := time.Now()
	for _, s := range sectors {
		ourutil.Reportf("Erasing sector %d (%d KB @ 0x%08x)...", s.Index, s.Size/1024, s.Addr)
		if err := l.do(ctx, func(ctx context.Context) error { return l.sess.EraseSector(ctx, s.Addr) }); err != nil {
			return transportError(err, s.Addr, fmt.Sprintf("failed to erase sector %d", s.Index))
		}
	}
	l.tErase += time.Since(start)
	return nil
}

// writeRuns merges flash segments that share a write unit, so that padding
// a chunk to the write size never covers bytes of another segment. Gaps
// inside a merged run hold the erased byte.
func (l *loader) writeRuns(segs []image.Segment) []image.Segment {
	ws := uint64(l.chip.WriteSize)
	if ws <= 1 {
		return segs
	}
	sorted := append([]image.Segment(nil), segs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	var res []image.Segment
	for _, seg := range sorted {
		if n := len(res); n > 0 && l.chip.InFlash(seg.Addr) && l.chip.InFlash(res[n-1].Addr) {
			last := &res[n-1]
			lastEnd := (last.End() + ws - 1) &^ (ws - 1)
			if uint64(seg.Addr)&^(ws-1) < lastEnd {
				end := seg.End()
				if le := last.End(); le > end {
					end = le
				}
				buf := make([]byte, end-uint64(last.Addr))
				for i := len(last.Data); i < len(buf); i++ {
					buf[i] = l.chip.ErasedByte
				}
				copy(buf, last.Data)
				copy(buf[seg.Addr-last.Addr:], seg.Data)
				glog.V(1).Infof("merged segment @ 0x%08x into 0x%08x", seg.Addr, last.Addr)
				last.Data = buf
				continue
			}
		}
		res = append(res, image.Segment{Addr: seg.Addr, Data: seg.Data})
	}
	return res
}

func (l *loader) writeSegment(ctx context.Context, seg image.Segment) error {
	inFlash := l.chip.InFlash(seg.Addr)
	ourutil.Reportf("Writing %d bytes @ 0x%08x...", len(seg.Data), seg.Addr)
	pageSize := l.chip.PageSize
	if pageSize == 0 {
		pageSize = 1024
	}
	for off := uint32(0); off < uint32(len(seg.Data)); {
		addr := seg.Addr + off
		// Chunks never cross a page boundary.
		n := pageSize - (addr % pageSize)
		if rem := uint32(len(seg.Data)) - off; n > rem {
			n = rem
		}
		data := seg.Data[off : off+n]
		if inFlash {
			addr, data = l.padToWriteSize(addr, data)
		}
		if err := l.writeChunk(ctx, addr, data); err != nil {
			return errors.Trace(err)
		}
		off += n
	}
	return nil
}

// padToWriteSize extends a chunk on both sides to the flash write granularity
// with the erased byte value, which leaves the padding bytes unchanged.
func (l *loader) padToWriteSize(addr uint32, data []byte) (uint32, []byte) {
	ws := l.chip.WriteSize
	if ws <= 1 {
		return addr, data
	}
	start := addr &^ (ws - 1)
	end := (addr + uint32(len(data)) + ws - 1) &^ (ws - 1)
	if start == addr && end == addr+uint32(len(data)) {
		return addr, data
	}
	buf := make([]byte, end-start)
	for i := range buf {
		buf[i] = l.chip.ErasedByte
	}
	copy(buf[addr-start:], data)
	return start, buf
}

func (l *loader) writeChunk(ctx context.Context, addr uint32, data []byte) error {
	glog.V(1).Infof("writing %d @ 0x%08x", len(data), addr)
	start := time.Now()
	if err := l.do(ctx, func(ctx context.Context) error { return l.sess.WriteMemory(ctx, addr, data) }); err != nil {
		return transportError(err, addr, fmt.Sprintf("failed to write %d bytes @ 0x%08x", len(data), addr))
	}
	l.tWrite += time.Since(start)
	if !l.opts.Verify {
		return nil
	}
	start = time.Now()
	var rb []byte
	err := l.do(ctx, func(ctx context.Context) error {
		var err error
		rb, err = l.sess.ReadMemory(ctx, addr, len(data))
		return err
	})
	if err != nil {
		return transportError(err, addr, fmt.Sprintf("failed to read back %d bytes @ 0x%08x", len(data), addr))
	}
	l.tVerify += time.Since(start)
	for i := range data {
		if i >= len(rb) || rb[i] != data[i] {
			bad := addr + uint32(i)
			if glog.V(1) {
				glog.Infof("verify mismatch @ 0x%08x:\n%s", bad, ourutil.HexDiff(data, rb, addr))
			}
			return &LoadError{
				Kind:    VerifyMismatch,
				Address: bad,
				Err:     errors.Errorf("wrote 0x%02x, read back %s", data[i], readBackByte(rb, i)),
			}
		}
	}
	return nil
}

func readBackByte(rb []byte, i int) string {
	if i >= len(rb) {
		return "nothing"
	}
	return fmt.Sprintf("0x%02x", rb[i])
}
