package subtitle

import (
	"github.com/zsiec/ccx"
)

// CaptionHandler decodes CEA-608/708 closed captions carried as SEI
// payloads in the video elementary stream. Unlike TextHandler/ImageHandler
// it does not composite onto the video RGBA buffer: captions are surfaced
// as text events through OnCaption, the same way the host layer treats
// metadata rather than rendered pixels (spec.md §6's "glue" boundary).
type CaptionHandler struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service

	dtvccBuf []byte

	videoFrameCount int64
	lastCCCtrl      map[int][2]byte
	lastCCWasCtrl   map[int]bool
	lastCCCtrlFrame map[int]int64

	// OnCaption is called synchronously with every decoded caption event.
	// Implementations that need to hand it elsewhere should buffer
	// themselves; this handler does not retain captions it has emitted.
	OnCaption func(frame *ccx.CaptionFrame)
}

// NewCaptionHandler creates a handler with decoders for CEA-608 channels 1-4
// and CEA-708 services 1-6, matching the channel numbering the
// spec.md-described source container uses.
func NewCaptionHandler() *CaptionHandler {
	h := &CaptionHandler{
		cea608:          make(map[int]*ccx.CEA608Decoder, 4),
		cea708:          make(map[int]*ccx.CEA708Service, 6),
		lastCCCtrl:      make(map[int][2]byte),
		lastCCWasCtrl:   make(map[int]bool),
		lastCCCtrlFrame: make(map[int]int64),
	}
	for ch := 1; ch <= 4; ch++ {
		h.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		h.cea708[svc] = ccx.NewCEA708Service()
	}
	return h
}

// NotifyVideoFrame advances the frame counter the CEA-608 control-code
// dedup window is measured in; callers should call this once per decoded
// video frame (whether or not it carried a caption SEI).
func (h *CaptionHandler) NotifyVideoFrame() {
	h.videoFrameCount++
}

// HandleSEI decodes one video-frame's worth of caption SEI payload bytes at
// pts (seconds converted by the caller to whatever unit OnCaption expects
// to see in CaptionFrame.PTS).
func (h *CaptionHandler) HandleSEI(seiData []byte, pts int64) {
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// CEA-608 repeats every control code once for transport
		// robustness; a repeat within a 2-frame window is a duplicate,
		// not new content.
		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		field := pair.Field
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			frameGap := h.videoFrameCount - h.lastCCCtrlFrame[field]
			if h.lastCCWasCtrl[field] && h.lastCCCtrl[field] == cp && frameGap <= 2 {
				h.lastCCWasCtrl[field] = false
				continue
			}
			h.lastCCCtrl[field] = cp
			h.lastCCWasCtrl[field] = true
			h.lastCCCtrlFrame[field] = h.videoFrameCount
		} else {
			h.lastCCWasCtrl[field] = false
		}

		dec := h.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		text := dec.Decode(cc1, cc2)
		if text == "" || h.OnCaption == nil {
			continue
		}
		f := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
		f.Regions = dec.StyledRegions()
		h.OnCaption(f)
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			h.drainDTVCC(pts)
			h.dtvccBuf = h.dtvccBuf[:0]
		}
		h.dtvccBuf = append(h.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (h *CaptionHandler) drainDTVCC(pts int64) {
	if len(h.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(h.dtvccBuf[0])
	if len(h.dtvccBuf) < packetSize {
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(h.dtvccBuf[:packetSize]) {
		svc := h.cea708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if !svc.ProcessBlock(block.Data) {
			continue
		}
		text := svc.DisplayText()
		if text == "" || h.OnCaption == nil {
			continue
		}
		channel := block.ServiceNum + 6
		f := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: channel}
		f.Regions = svc.StyledRegions()
		h.OnCaption(f)
	}
}

// Flush discards any partially-buffered DTVCC packet across a seek.
func (h *CaptionHandler) Flush() {
	h.dtvccBuf = h.dtvccBuf[:0]
}
