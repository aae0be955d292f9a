package subtract

import (
	"github.com/AmazonRF/pyem/internal/frame"
	"github.com/AmazonRF/pyem/internal/relion"
)

// Result is one particle's completed pass, kept whole so the writer can
// emit stacks and metadata in input order and diagnostics can inspect every
// intermediate.
type Result struct {
	Index int
	Meta  *relion.ParticleRecord

	Particle  *frame.Image // input frame as read
	WholeProj *frame.Image // CTF-filtered projection of the whole map
	SubProj   *frame.Image // CTF-filtered projection of the sub map
	RawSub    *frame.Image // particle minus scaled sub projection
	NormSub   *frame.Image // RawSub normalized to zero mean, unit sigma
}
