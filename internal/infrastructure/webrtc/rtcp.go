package webrtc

import (
	"teleconsult/internal/core/domain"

	"github.com/pion/rtcp"
)

// SummarizeRTCP folds the feedback the peer sent about one of our outgoing
// tracks into a quality sample. ok is false when the batch carried nothing
// about quality (for example only sender reports or SDES).
func SummarizeRTCP(kind domain.TrackKind, packets []rtcp.Packet) (sample domain.QualitySample, ok bool) {
	sample.Kind = kind

	var lostTotal float64
	reports := 0
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				lostTotal += float64(report.FractionLost) / 256
				if report.Jitter > sample.Jitter {
					sample.Jitter = report.Jitter
				}
				reports++
			}
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				sample.NACKs += len(pair.PacketList())
			}
			ok = true
		case *rtcp.PictureLossIndication:
			sample.PLIs++
			ok = true
		case *rtcp.FullIntraRequest:
			sample.PLIs++
			ok = true
		}
	}

	if reports > 0 {
		sample.FractionLost = lostTotal / float64(reports)
		ok = true
	}
	return sample, ok
}
