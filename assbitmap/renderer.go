package assbitmap

// Renderer runs the per-frame grouping protocol (spec.md §4.11): group a
// flat list of positioned subtitle images into overlapping sections, diff
// each section against the previous frame's sections by content, and
// flatten only the sections that changed.
type Renderer struct {
	current  []*Section
	previous []*Section
}

// NewRenderer creates an empty double-buffered Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Group consumes the image list for the current video pts, producing the
// list of Sections for this frame. Every returned Section's Changed field
// indicates whether its bounding box must be re-drawn this tick; an
// unchanged Section's Buffer is the one already on screen from the
// previous frame (reused, not re-flattened).
func (r *Renderer) Group(images []Image) []*Section {
	next := groupIntoSections(images)
	next = matchAgainstPrevious(next, r.current)

	for _, sec := range next {
		if sec.Changed {
			sec.FlattenImage()
		}
	}

	r.previous, r.current = r.current, next
	return next
}

// groupIntoSections implements steps 2-3 of the protocol: seed the first
// section with the first image, then for each subsequent image find the
// first existing section whose bounding box overlaps and add to it,
// otherwise start a new section.
func groupIntoSections(images []Image) []*Section {
	var sections []*Section
	for _, img := range images {
		placed := false
		for _, sec := range sections {
			if sec.Overlaps(img) {
				sec.Add(img)
				placed = true
				break
			}
		}
		if !placed {
			sec := NewSection()
			sec.Add(img)
			sections = append(sections, sec)
		}
	}
	return sections
}

// matchAgainstPrevious implements step 4: for each section in the previous
// frame's list, search the current list for an equal section (Compare==0)
// and swap buffers so the unchanged section's buffer is reused instead of
// being reallocated and re-flattened; sections with no match are appended
// to the end of next, marked changed, so the consumer knows to clear those
// screen areas even though nothing replaced them.
func matchAgainstPrevious(next []*Section, previous []*Section) []*Section {
	matchedPrev := make([]bool, len(previous))

	for _, cur := range next {
		for pi, prev := range previous {
			if matchedPrev[pi] {
				continue
			}
			if cur.Compare(prev) == 0 {
				cur.Buffer, cur.Stride, cur.Size = prev.Buffer, prev.Stride, prev.Size
				cur.Changed = false
				matchedPrev[pi] = true
				break
			}
		}
	}

	// Any previous section left unmatched had no current counterpart;
	// nothing in `next` covers its old bounding box, so it is appended,
	// empty of images but marked changed, so the consumer knows to clear
	// that area this frame.
	for pi, prev := range previous {
		if matchedPrev[pi] {
			continue
		}
		gone := NewSection()
		gone.X1, gone.Y1, gone.X2, gone.Y2 = prev.X1, prev.Y1, prev.X2, prev.Y2
		gone.Changed = true
		next = append(next, gone)
	}
	return next
}
