package ccd

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// On-disk container for exposures and reference images. The upstream
// archive collaborator converts FITS products into this layout; the
// calibration core never touches FITS itself. The file holds a JSON
// descriptor followed by the image planes as big-endian arrays:
//
//	magic "CCDX" | uint32 descriptor length | descriptor JSON |
//	per chip: sci float32[nx*ny] | err float32[nx*ny] | dq uint16[nx*ny]
//
// Reference tables travel as plain JSON files.

var containerMagic = [4]byte{'C', 'C', 'D', 'X'}

// containerDescriptor is the JSON block at the top of a container file.
type containerDescriptor struct {
	Primary  Header   `json:"primary"`
	FileType string   `json:"filetype"`
	Pedigree string   `json:"pedigree"`
	Descrip  string   `json:"descrip"`
	Chips    []struct {
		Nx     int    `json:"nx"`
		Ny     int    `json:"ny"`
		Header Header `json:"header"`
	} `json:"chips"`
}

// ReadExposure loads a full exposure container from a stream.
func ReadExposure(stream Stream) (*Exposure, error) {
	desc, chips, err := readContainer(stream)
	if err != nil {
		return nil, err
	}

	exp := &Exposure{Primary: desc.Primary, Chips: chips}
	for _, c := range desc.Chips {
		exp.ChipHeaders = append(exp.ChipHeaders, c.Header)
	}

	exp.Info, err = NewExposureInfo(desc.Primary)
	if err != nil {
		return nil, err
	}

	if exp.Info.Detector == DetectorIR {
		// the chip planes of an IR container are the reads, last first,
		// with every second plane the matching integration-time image
		if len(chips)%2 != 0 {
			return nil, errors.Join(ErrOpenFailed,
				errors.New("Error IR container must carry read and time planes in pairs"))
		}
		cube := &Cube{}
		for k := 0; k < len(chips); k += 2 {
			cube.Reads = append(cube.Reads, chips[k])
			cube.Time = append(cube.Time, chips[k+1])
			cube.Headers = append(cube.Headers, desc.Chips[k].Header)
		}
		exp.Cube = cube
		exp.Chips = nil
		exp.ChipHeaders = nil
	}

	return exp, nil
}

// ReadRefImage loads a reference image container.
func ReadRefImage(stream Stream, name string) (*RefImage, error) {
	desc, chips, err := readContainer(stream)
	if err != nil {
		return nil, err
	}
	return &RefImage{
		Name:     name,
		FileType: desc.FileType,
		Pedigree: desc.Pedigree,
		Descrip:  desc.Descrip,
		Header:   desc.Primary,
		Chips:    chips,
	}, nil
}

func readContainer(stream Stream) (*containerDescriptor, []*ImageTriplet, error) {
	var magic [4]byte
	if err := binary.Read(stream, binary.BigEndian, &magic); err != nil {
		return nil, nil, errors.Join(ErrOpenFailed, err)
	}
	if magic != containerMagic {
		return nil, nil, errors.Join(ErrOpenFailed,
			fmt.Errorf("Error bad container magic %q", magic))
	}

	var hlen uint32
	if err := binary.Read(stream, binary.BigEndian, &hlen); err != nil {
		return nil, nil, errors.Join(ErrOpenFailed, err)
	}

	raw := make([]byte, hlen)
	if err := binary.Read(stream, binary.BigEndian, &raw); err != nil {
		return nil, nil, errors.Join(ErrOpenFailed, err)
	}

	desc := &containerDescriptor{}
	if err := json.Unmarshal(raw, desc); err != nil {
		return nil, nil, errors.Join(ErrOpenFailed, err)
	}

	var chips []*ImageTriplet
	for _, c := range desc.Chips {
		t := NewImageTriplet(c.Nx, c.Ny)
		if err := binary.Read(stream, binary.BigEndian, &t.Sci); err != nil {
			return nil, nil, errors.Join(ErrOpenFailed, err)
		}
		if err := binary.Read(stream, binary.BigEndian, &t.Err); err != nil {
			return nil, nil, errors.Join(ErrOpenFailed, err)
		}
		if err := binary.Read(stream, binary.BigEndian, &t.DQ); err != nil {
			return nil, nil, errors.Join(ErrOpenFailed, err)
		}
		chips = append(chips, t)
	}

	return desc, chips, nil
}

// WriteExposure serialises a calibrated exposure back into the container
// layout and writes it through the virtual filesystem.
func WriteExposure(uri, configURI string, exp *Exposure) error {
	desc := containerDescriptor{Primary: exp.Primary}

	chips := exp.Chips
	headers := exp.ChipHeaders
	if exp.Cube != nil {
		chips = nil
		headers = nil
		for k := range exp.Cube.Reads {
			chips = append(chips, exp.Cube.Reads[k], exp.Cube.Time[k])
			headers = append(headers, exp.Cube.Headers[k], exp.Cube.Headers[k])
		}
	}

	for k, t := range chips {
		desc.Chips = append(desc.Chips, struct {
			Nx     int    `json:"nx"`
			Ny     int    `json:"ny"`
			Header Header `json:"header"`
		}{Nx: t.Nx, Ny: t.Ny, Header: headers[k]})
	}

	raw, err := json.Marshal(&desc)
	if err != nil {
		return errors.Join(ErrHeaderProblem, err)
	}

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, containerMagic); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(raw))); err != nil {
		return err
	}
	if _, err := buf.Write(raw); err != nil {
		return err
	}
	for _, t := range chips {
		if err := binary.Write(buf, binary.BigEndian, t.Sci); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, t.Err); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, t.DQ); err != nil {
			return err
		}
	}

	return WriteFile(uri, configURI, buf.Bytes())
}

// refTableJSON is the serialised form of a reference table.
type refTableJSON struct {
	FileType    string   `json:"filetype"`
	Pedigree    string   `json:"pedigree"`
	Descrip     string   `json:"descrip"`
	Header      Header   `json:"header"`
	NRows       int      `json:"nrows"`
	RowPedigree []string `json:"row_pedigree,omitempty"`
	Columns     []struct {
		Name    string      `json:"name"`
		Ints    [][]int     `json:"ints,omitempty"`
		Floats  [][]float64 `json:"floats,omitempty"`
		Strings []string    `json:"strings,omitempty"`
	} `json:"columns"`
}

// ReadRefTable loads a JSON reference table from a stream.
func ReadRefTable(stream Stream, name string) (*RefTable, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 1<<16)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			break
		}
	}

	var raw refTableJSON
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		return nil, errors.Join(ErrTableError, err)
	}

	tab := &RefTable{
		Name:        name,
		FileType:    raw.FileType,
		Pedigree:    raw.Pedigree,
		Descrip:     raw.Descrip,
		Header:      raw.Header,
		NRows:       raw.NRows,
		RowPedigree: raw.RowPedigree,
		Columns:     make(map[string]*Column, len(raw.Columns)),
	}
	if tab.Header == nil {
		tab.Header = Header{}
	}
	for _, c := range raw.Columns {
		tab.Columns[c.Name] = &Column{
			Name:    c.Name,
			Ints:    c.Ints,
			Floats:  c.Floats,
			Strings: c.Strings,
		}
	}

	return tab, nil
}
