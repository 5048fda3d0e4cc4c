package tract

// Streamline is a reconstructed candidate fibre pathway: an ordered sequence
// of points in scanner coordinates, plus the per-streamline weight and its
// ordinal position in the output stream. A Streamline is created fresh for
// each tracking attempt and consumed exactly once; it is never shared across
// goroutines.
type Streamline struct {
	Points []Point3
	Weight float32
	Index  uint64
}

// NewStreamline returns an empty streamline with the default weight of 1.
func NewStreamline() *Streamline {
	return &Streamline{Weight: 1}
}

func (s *Streamline) Len() int {
	return len(s.Points)
}

func (s *Streamline) Append(p Point3) {
	s.Points = append(s.Points, p)
}

// Reverse flips the point order in place. Used when concatenating the two
// half-tracks grown from a single seed.
func (s *Streamline) Reverse() {
	for i, j := 0, len(s.Points)-1; i < j; i, j = i+1, j-1 {
		s.Points[i], s.Points[j] = s.Points[j], s.Points[i]
	}
}

// Clear resets the streamline for reuse, keeping the allocated point slice.
func (s *Streamline) Clear() {
	s.Points = s.Points[:0]
	s.Weight = 1
	s.Index = 0
}

// PathLength returns the summed segment length along the streamline, in mm.
func (s *Streamline) PathLength() float32 {
	var total float32
	for i := 1; i < len(s.Points); i++ {
		total += s.Points[i].Dist(s.Points[i-1])
	}
	return total
}
