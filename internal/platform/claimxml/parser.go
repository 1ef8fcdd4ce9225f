package claimxml

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/claims/ingest/internal/platform/ingesterr"
)

// Reader yields the claims of one file in document order. It is not safe
// for concurrent use; each worker opens its own.
type Reader struct {
	root   RootType
	header Header
	count  int
	done   bool
	err    error

	// disk mode
	dec     *xml.Decoder
	rootEnd xml.Name

	// mem mode
	pending []bufferedClaim
}

// position locates the start of a claim element in the input.
type position struct {
	offset       int64
	line, column int
}

type bufferedClaim struct {
	raw xmlClaim
	pos position
}

// Open reads the document element and header of r and returns a Reader
// positioned before the first claim. In ModeMem the whole input is decoded
// here; in ModeDisk claims are decoded one at a time by Next.
func Open(r io.Reader, mode Mode) (*Reader, error) {
	switch mode {
	case ModeMem:
		return openMem(r)
	case ModeDisk, "":
		return openDisk(r)
	}
	return nil, fmt.Errorf("claimxml: unknown mode %q", mode)
}

// Root reports the document type.
func (r *Reader) Root() RootType { return r.root }

// Header returns the file header.
func (r *Reader) Header() Header { return r.header }

// Count is the number of claims returned so far.
func (r *Reader) Count() int { return r.count }

// Next returns the next claim, or io.EOF after the last one. After any other
// error the Reader is unusable and keeps returning that error.
func (r *Reader) Next() (*Claim, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, io.EOF
	}

	var (
		raw *xmlClaim
		pos position
		err error
	)
	if r.dec != nil {
		raw, pos, err = r.nextStreamed()
	} else {
		raw, pos, err = r.nextBuffered()
	}
	if err != nil {
		if err == io.EOF {
			r.done = true
		} else {
			r.err = err
		}
		return nil, err
	}

	claim, err := raw.toClaim(r.root)
	if err != nil {
		var pe *ingesterr.ParseError
		if errors.As(err, &pe) {
			pe.Offset = pos.offset
			pe.Line, pe.Column = pos.line, pos.column
		}
		r.err = err
		return nil, err
	}
	r.count++
	return claim, nil
}

func openDisk(src io.Reader) (*Reader, error) {
	return openStream(xml.NewDecoder(bufio.NewReaderSize(src, 64*1024)))
}

// openStream reads up to and including the header.
func openStream(dec *xml.Decoder) (*Reader, error) {
	r := &Reader{dec: dec}

	start, err := r.firstElement()
	if err != nil {
		return nil, err
	}
	r.root = RootFromElement(start.Name.Local)
	if r.root == RootUnknown {
		return nil, r.syntaxError(ingesterr.CodeUnknownRoot, fmt.Sprintf("unsupported root element <%s>", start.Name.Local), nil)
	}
	r.rootEnd = start.Name

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, r.decodeError(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Header":
				var h xmlHeader
				if err := dec.DecodeElement(&h, &t); err != nil {
					return nil, r.decodeError(err)
				}
				if r.header, err = h.toHeader(); err != nil {
					return nil, r.positioned(err)
				}
				return r, nil
			case "Claim":
				return nil, r.syntaxError(ingesterr.CodeMissingHeader, "claim appears before header", nil)
			default:
				if err := dec.Skip(); err != nil {
					return nil, r.decodeError(err)
				}
			}
		case xml.EndElement:
			return nil, r.syntaxError(ingesterr.CodeMissingHeader, "document has no header", nil)
		}
	}
}

func (r *Reader) firstElement() (xml.StartElement, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if err == io.EOF {
				return xml.StartElement{}, r.syntaxError(ingesterr.CodeParse, "empty document", nil)
			}
			return xml.StartElement{}, r.decodeError(err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func (r *Reader) nextStreamed() (*xmlClaim, position, error) {
	for {
		var pos position
		pos.offset = r.dec.InputOffset()
		pos.line, pos.column = r.dec.InputPos()
		tok, err := r.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, pos, r.syntaxError(ingesterr.CodeParse, fmt.Sprintf("unexpected end of input, <%s> not closed", r.rootEnd.Local), nil)
			}
			return nil, pos, r.decodeError(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "Claim" {
				if err := r.dec.Skip(); err != nil {
					return nil, pos, r.decodeError(err)
				}
				continue
			}
			var c xmlClaim
			if err := r.dec.DecodeElement(&c, &t); err != nil {
				return nil, pos, r.decodeError(err)
			}
			return &c, pos, nil
		case xml.EndElement:
			if t.Name == r.rootEnd {
				return nil, pos, io.EOF
			}
		}
	}
}

func openMem(src io.Reader) (*Reader, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("claimxml: read input: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ingesterr.ParseError{Code: ingesterr.CodeParse, Msg: "empty document"}
	}

	// Every claim is decoded here, keeping its position for errors
	// reported later by Next.
	r, err := openStream(xml.NewDecoder(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	for {
		raw, pos, err := r.nextStreamed()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		r.pending = append(r.pending, bufferedClaim{raw: *raw, pos: pos})
	}
	r.dec = nil
	return r, nil
}

func (r *Reader) nextBuffered() (*xmlClaim, position, error) {
	if len(r.pending) == 0 {
		return nil, position{}, io.EOF
	}
	c := &r.pending[0]
	r.pending = r.pending[1:]
	return &c.raw, c.pos, nil
}

func (r *Reader) decodeError(err error) error {
	msg := err.Error()
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		msg = se.Msg
	}
	return r.syntaxError(ingesterr.CodeParse, msg, err)
}

func (r *Reader) syntaxError(code, msg string, cause error) error {
	pe := &ingesterr.ParseError{Code: code, Msg: msg, Err: cause}
	if r.dec != nil {
		pe.Offset = r.dec.InputOffset()
		pe.Line, pe.Column = r.dec.InputPos()
	}
	return pe
}

func (r *Reader) positioned(err error) error {
	var pe *ingesterr.ParseError
	if errors.As(err, &pe) && r.dec != nil {
		pe.Offset = r.dec.InputOffset()
		pe.Line, pe.Column = r.dec.InputPos()
	}
	return err
}
