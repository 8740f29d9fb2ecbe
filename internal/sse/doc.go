// Package sse decodes and encodes the server-sent event wire format.
//
// A frame is a run of field lines terminated by a blank line. Only data
// lines carry payload; several data lines in one frame are joined with a
// newline. Comment lines starting with a colon are keep-alives and never
// produce a frame.
//
//	dec := sse.NewDecoder(body, sse.WithMaxFrameSize(64<<10))
//	for frame, err := range dec.All() {
//		if err != nil {
//			return err
//		}
//		handle(frame.Data)
//	}
package sse
