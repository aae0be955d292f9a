package relion

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const particleStar = `
data_

loop_
_rlnImageName #1
_rlnAngleRot #2
_rlnAngleTilt #3
_rlnAnglePsi #4
_rlnOriginX #5
_rlnOriginY #6
_rlnDefocusU #7
_rlnDefocusV #8
_rlnDefocusAngle #9
_rlnVoltage #10
_rlnSphericalAberration #11
_rlnAmplitudeContrast #12
_rlnDetectorPixelSize #13
_rlnMagnification #14
000001@stack.mrcs  10.0  20.0  30.0  1.5  -2.5  15000.0  14000.0  30.0  300.0  2.7  0.07  14.0  100000.0
000002@stack.mrcs  0.0  0.0  0.0  0.0  0.0  12000.0  12000.0  0.0  200.0  2.0  0.10  5.0  50000.0
`

func parseParticles(t *testing.T) *Table {
	t.Helper()
	tbl, err := Parse(strings.NewReader(particleStar))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return tbl
}

func TestParse(t *testing.T) {
	tbl := parseParticles(t)
	if len(tbl.Labels) != 14 {
		t.Fatalf("got %d labels, want 14", len(tbl.Labels))
	}
	if tbl.Labels[0] != LabelImageName || tbl.Labels[13] != LabelMagnification {
		t.Errorf("label order wrong: %v", tbl.Labels)
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(tbl.Rows))
	}
	v, err := tbl.Value(1, LabelImageName)
	if err != nil || v != "000002@stack.mrcs" {
		t.Errorf("Value = %q, %v", v, err)
	}
	f, err := tbl.Float(0, LabelDefocusU)
	if err != nil || f != 15000 {
		t.Errorf("Float = %v, %v", f, err)
	}
}

func TestParsePicksParticleBlock(t *testing.T) {
	text := `
data_optics

loop_
_rlnOpticsGroup #1
_rlnVoltage #2
1  300.0

data_particles

loop_
_rlnImageName #1
_rlnAngleRot #2
000001@a.mrcs  5.0
`
	tbl, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := tbl.LabelIndex(LabelImageName); !ok {
		t.Fatalf("picked block without %s: labels %v", LabelImageName, tbl.Labels)
	}
	if len(tbl.Rows) != 1 {
		t.Errorf("got %d rows, want 1", len(tbl.Rows))
	}
}

func TestParseRowWidthMismatch(t *testing.T) {
	text := "data_\nloop_\n_rlnImageName #1\n_rlnAngleRot #2\nonlyonecell\n"
	if _, err := Parse(strings.NewReader(text)); err == nil {
		t.Fatal("Parse accepted a short row")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	text := "data_\n\nloop_\n_rlnImageName #1\n_rlnAngleRot #2\n000001@stk.mrcs  10.5\n000002@stk.mrcs  -20\n"
	tbl, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var buf bytes.Buffer
	if err := tbl.WriteHeader(&buf); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	for _, row := range tbl.Rows {
		if err := WriteRow(&buf, row); err != nil {
			t.Fatalf("WriteRow: %v", err)
		}
	}

	want := "\ndata_\n\nloop_\n_rlnImageName #1\n_rlnAngleRot #2\n000001@stk.mrcs  10.5\n000002@stk.mrcs  -20\n"
	if buf.String() != want {
		t.Errorf("output:\n%q\nwant:\n%q", buf.String(), want)
	}

	back, err := Parse(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(back.Rows) != 2 || back.Rows[1][1] != "-20" {
		t.Errorf("reparse lost data: %+v", back.Rows)
	}
}

func TestRequire(t *testing.T) {
	tbl := parseParticles(t)
	if err := tbl.Require(ParticleLabels...); err != nil {
		t.Errorf("Require: %v", err)
	}
	err := tbl.Require("rlnRandomSubset")
	if !errors.Is(err, ErrMissingLabel) {
		t.Errorf("Require error = %v, want ErrMissingLabel", err)
	}
}

func TestPatchedRow(t *testing.T) {
	tbl := parseParticles(t)
	row, err := tbl.PatchedRow(0, map[string]string{
		LabelImageName: "000009@new.mrcs",
		LabelOriginX:   "3.250000",
	})
	if err != nil {
		t.Fatalf("PatchedRow: %v", err)
	}
	if row[0] != "000009@new.mrcs" || row[4] != "3.250000" {
		t.Errorf("patched row wrong: %v", row)
	}
	if tbl.Rows[0][0] != "000001@stack.mrcs" {
		t.Error("PatchedRow modified the table in place")
	}
	if _, err := tbl.PatchedRow(0, map[string]string{"rlnNope": "1"}); !errors.Is(err, ErrMissingLabel) {
		t.Errorf("error = %v, want ErrMissingLabel", err)
	}
}

func TestParseImageRef(t *testing.T) {
	frameIdx, path, err := ParseImageRef("000042@Extract/job012/stack.mrcs")
	if err != nil || frameIdx != 41 || path != "Extract/job012/stack.mrcs" {
		t.Errorf("got (%d, %q, %v)", frameIdx, path, err)
	}
	frameIdx, path, err = ParseImageRef("plain.mrc")
	if err != nil || frameIdx != 0 || path != "plain.mrc" {
		t.Errorf("got (%d, %q, %v)", frameIdx, path, err)
	}
	if _, _, err := ParseImageRef("zero@x.mrcs"); err == nil {
		t.Error("accepted non-numeric frame")
	}
	if _, _, err := ParseImageRef("000000@x.mrcs"); err == nil {
		t.Error("accepted frame number 0")
	}
}

func TestFormatImageRef(t *testing.T) {
	if got := FormatImageRef(7, "a/b.mrcs"); got != "000007@a/b.mrcs" {
		t.Errorf("got %q", got)
	}
}

func TestRecordDerivations(t *testing.T) {
	tbl := parseParticles(t)
	rec, err := tbl.Record(0)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if rec.Index != 0 || rec.FrameIndex != 0 || rec.SourcePath != "stack.mrcs" {
		t.Errorf("identity fields wrong: %+v", rec)
	}
	if rec.Rot != 10 || rec.Tilt != 20 || rec.Psi != 30 {
		t.Errorf("angles wrong: %+v", rec)
	}
	if rec.OriginX != 1.5 || rec.OriginY != -2.5 {
		t.Errorf("origins wrong: %+v", rec)
	}
	checks := []struct {
		name      string
		got, want float64
	}{
		{"DefocusMean", rec.DefocusMean, 1.45},
		{"AstigDiff", rec.AstigDiff, 0.1},
		{"AstigAngle", rec.AstigAngle, 60},
		{"Voltage", rec.Voltage, 300},
		{"Cs", rec.Cs, 2.7},
		{"AmpContrast", rec.AmpContrast, 7},
		{"Apix", rec.Apix, 1.4},
		{"BFactor", rec.BFactor, 0},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestRecordResolvesAgainstTableDir(t *testing.T) {
	dir := t.TempDir()
	stack := filepath.Join(dir, "stack.mrcs")
	if err := os.WriteFile(stack, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	starPath := filepath.Join(dir, "particles.star")
	if err := os.WriteFile(starPath, []byte(particleStar), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl, err := Read(starPath)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	rec, err := tbl.Record(0)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.SourcePath != stack {
		t.Errorf("SourcePath = %q, want %q", rec.SourcePath, stack)
	}
}
