package score

import (
	"encoding/xml"
	"io"
	"math"
	"strconv"
	"strings"
)

type partwise struct {
	XMLName  xml.Name    `xml:"score-partwise"`
	PartList []scorePart `xml:"part-list>score-part"`
	Parts    []part      `xml:"part"`
}

type scorePart struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"part-name"`
}

type part struct {
	ID       string    `xml:"id,attr"`
	Measures []measure `xml:"measure"`
}

// measure keeps its children in document order; backup and forward only make
// sense relative to the notes around them.
type measure struct {
	Number string
	Items  []any
}

type noteXML struct {
	Grace    *struct{}  `xml:"grace"`
	Chord    *struct{}  `xml:"chord"`
	Rest     *struct{}  `xml:"rest"`
	Pitch    *pitchXML  `xml:"pitch"`
	Duration float64    `xml:"duration"`
	Voice    string     `xml:"voice"`
	Ties     []tieXML   `xml:"tie"`
	Lyrics   []lyricXML `xml:"lyric"`
}

type pitchXML struct {
	Step   string  `xml:"step"`
	Alter  float64 `xml:"alter"`
	Octave int     `xml:"octave"`
}

type tieXML struct {
	Type string `xml:"type,attr"`
}

type lyricXML struct {
	Number string   `xml:"number,attr"`
	Text   []string `xml:"text"`
}

type backupXML struct {
	Duration float64 `xml:"duration"`
}

type forwardXML struct {
	Duration float64 `xml:"duration"`
}

type attributesXML struct {
	Divisions float64 `xml:"divisions"`
}

type soundXML struct {
	Tempo float64 `xml:"tempo,attr"`
}

type directionXML struct {
	Sound *soundXML `xml:"sound"`
}

func (m *measure) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "number" {
			m.Number = attr.Value
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var item any
			switch t.Name.Local {
			case "note":
				item = &noteXML{}
			case "backup":
				item = &backupXML{}
			case "forward":
				item = &forwardXML{}
			case "attributes":
				item = &attributesXML{}
			case "direction":
				item = &directionXML{}
			case "sound":
				item = &soundXML{}
			default:
				if err := d.Skip(); err != nil {
					return err
				}
				continue
			}
			if err := d.DecodeElement(item, &t); err != nil {
				return err
			}
			m.Items = append(m.Items, item)
		case xml.EndElement:
			return nil
		}
	}
}

func (n *noteXML) tieStop() bool {
	for _, t := range n.Ties {
		if t.Type == "stop" {
			return true
		}
	}
	return false
}

// lyric returns the text of the first verse.
func (n *noteXML) lyric() string {
	if len(n.Lyrics) == 0 {
		return ""
	}
	chosen := n.Lyrics[0]
	for _, l := range n.Lyrics {
		if l.Number == "1" {
			chosen = l
			break
		}
	}
	return strings.TrimSpace(strings.Join(chosen.Text, ""))
}

func (n *noteXML) voiceOne() bool {
	v := strings.TrimSpace(n.Voice)
	return v == "" || v == "1"
}

var stepSemitones = map[string]int{"C": 0, "D": 2, "E": 4, "F": 5, "G": 7, "A": 9, "B": 11}

// frequency returns the equal-tempered pitch with A4 at 440 Hz.
func (p *pitchXML) frequency() (float64, bool) {
	semi, ok := stepSemitones[strings.ToUpper(strings.TrimSpace(p.Step))]
	if !ok {
		return 0, false
	}
	midi := float64(12*(p.Octave+1)+semi) + p.Alter
	return 440 * math.Pow(2, (midi-69)/12), true
}

func (p *pitchXML) String() string {
	name := strings.ToUpper(strings.TrimSpace(p.Step))
	switch {
	case p.Alter > 0:
		name += strings.Repeat("#", int(math.Round(p.Alter)))
	case p.Alter < 0:
		name += strings.Repeat("b", int(math.Round(-p.Alter)))
	}
	return name + strconv.Itoa(p.Octave)
}
