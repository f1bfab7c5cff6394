package report

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/sample"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/audit"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/render"
)

const pdfContentType = "application/pdf"

// PDFKey is the storage key of a report's issued PDF.
func PDFKey(rep *Report) string {
	return fmt.Sprintf("reports/%s/%s.pdf", rep.SampleID, rep.ID)
}

// Finalize locks, renders, stores and signs a draft report, then marks its
// sample reported. Concurrent callers race on the lock; exactly one wins
// and the rest get Conflict.
func (s *Service) Finalize(ctx context.Context, reportID uuid.UUID, actor auth.Actor, templateCode string) (*FinalizeResult, error) {
	if templateCode == "" {
		templateCode = s.cfg.DefaultTemplate
	}
	role := s.cfg.SignerRole
	if !actor.Has(role) {
		return nil, apperr.Forbidden("finalizing requires role %s", role)
	}

	var (
		out    *FinalizeResult
		rep    *Report
		key    string
		stored bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		at := s.now().UTC()
		won, err := s.reports.Lock(ctx, reportID, actor.ID, at)
		if err != nil {
			return err
		}
		if !won {
			return s.lockLost(ctx, reportID)
		}
		rep, err = s.reports.GetByID(ctx, reportID)
		if err != nil {
			return err
		}

		var sigRef string
		if s.requiresOnFile(role) {
			sof, err := s.sigs.OnFile(ctx, actor.ID, role)
			if apperr.Is(err, apperr.KindNotFound) {
				return apperr.PreconditionFailed("actor %s has no signature on file for role %s", actor.ID, role)
			}
			if err != nil {
				return err
			}
			sigRef = sof.SignatureRef
		}

		data, err := s.dataBag(ctx, rep, actor.ID, role, sigRef, at)
		if err != nil {
			return err
		}
		pdf, err := s.renderer.Render(ctx, templateCode, data)
		if err != nil {
			if errors.Is(err, render.ErrUnknownTemplate) {
				return apperr.Wrap(apperr.KindRenderFailed, err, "unknown template %q", templateCode)
			}
			return apperr.Wrap(apperr.KindRenderFailed, err, "render report %s", rep.ReportNo)
		}

		key = PDFKey(rep)
		exists, err := s.blobs.Exists(ctx, key)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailed, err, "check pdf %s", key)
		}
		if exists {
			// Left behind by an attempt whose cleanup failed; the lock
			// makes this caller the only writer.
			if err := s.blobs.Delete(ctx, key); err != nil {
				return apperr.Wrap(apperr.KindStorageFailed, err, "remove stale pdf %s", key)
			}
		}
		info, err := s.blobs.Put(ctx, key, bytes.NewReader(pdf), pdfContentType)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailed, err, "store pdf %s", key)
		}
		stored = true

		digest := sha256.Sum256(pdf)
		hash := s.signatureHash(rep.ReportNo, role, actor.ID, hex.EncodeToString(digest[:]), at)
		signed, err := s.sigs.Sign(ctx, rep.ID, role, actor.ID, at, hash)
		if err != nil {
			return err
		}
		if !signed {
			return apperr.Conflict("signature slot %s on report %s is already signed", role, rep.ReportNo)
		}
		if err := s.reports.SetRendition(ctx, rep.ID, info.URL, templateCode); err != nil {
			return err
		}
		if _, err := s.workflow.ApplySampleTransition(ctx, rep.SampleID, sample.StatusReported, actor); err != nil {
			return err
		}

		rep.IsLocked = true
		rep.LockedAt = &at
		rep.LockedBy = &actor.ID
		rep.PDFURL = &info.URL
		rep.TemplateCode = &templateCode
		out = &FinalizeResult{
			ReportID: rep.ID, ReportNo: rep.ReportNo, TemplateCode: templateCode,
			PDFURL: info.URL, SignedAt: at,
		}
		finalized := *rep
		db.AfterCommit(ctx, func() {
			s.metrics.ReportFinalized(templateCode)
			audit.Record(context.WithoutCancel(ctx), s.audit, s.logger, audit.Entry{
				Action: "report.finalized", ActorID: actor.ID,
				EntityType: EntityReport, EntityID: finalized.ID.String(), After: &finalized,
			})
		})
		return nil
	})
	if err != nil {
		if stored {
			if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
				s.logger.Error().Err(derr).Str("key", key).Msg("failed to remove pdf after rollback")
			}
		}
		return nil, err
	}
	s.logger.Info().Str("report_no", out.ReportNo).Str("template", templateCode).
		Str("actor", actor.ID).Msg("report finalized")
	return out, nil
}

// lockLost explains why the conditional lock matched no row.
func (s *Service) lockLost(ctx context.Context, reportID uuid.UUID) error {
	rep, err := s.reports.GetByID(ctx, reportID)
	if err != nil {
		return err
	}
	s.metrics.FinalizeConflict()
	if rep.SupersededAt != nil {
		return apperr.Conflict("report %s has been superseded", rep.ReportNo)
	}
	return apperr.Conflict("report %s is already locked", rep.ReportNo)
}

func (s *Service) dataBag(ctx context.Context, rep *Report, signerID, signerRole, sigRef string, at time.Time) (render.DataBag, error) {
	smp, err := s.samples.GetByID(ctx, rep.SampleID)
	if err != nil {
		return render.DataBag{}, err
	}
	items, err := s.reports.Items(ctx, rep.ID)
	if err != nil {
		return render.DataBag{}, err
	}
	sigs, err := s.sigs.ListByReport(ctx, rep.ID)
	if err != nil {
		return render.DataBag{}, err
	}

	bag := render.DataBag{
		ReportID:     rep.ID.String(),
		ReportNo:     rep.ReportNo,
		ReportType:   rep.ReportType,
		SampleNo:     smp.SampleNo,
		SampleType:   smp.SampleType,
		ReceivedAt:   smp.ReceivedAt,
		GeneratedAt:  rep.GeneratedAt,
		SignerID:     signerID,
		SignerRole:   signerRole,
		SignatureRef: sigRef,
	}
	if smp.ClientRef != nil {
		bag.ClientRef = *smp.ClientRef
	}
	for _, it := range items {
		bag.Items = append(bag.Items, render.Item{
			Position: it.Position,
			Code:     it.ParameterCode,
			Label:    it.ParameterLabel,
			Value:    deref(it.FinalValue),
			Unit:     deref(it.Unit),
			Flags:    it.Flags,
		})
	}
	for _, sg := range sigs {
		rs := render.Signature{Role: sg.RoleCode, SignedBy: deref(sg.SignedBy), SignedAt: sg.SignedAt}
		if sg.RoleCode == signerRole && sg.SignedAt == nil {
			signedAt := at
			rs.SignedBy, rs.SignedAt = signerID, &signedAt
		}
		bag.Signatures = append(bag.Signatures, rs)
	}
	return bag, nil
}

// signatureHash binds a signature to the exact bytes that were issued.
func (s *Service) signatureHash(reportNo, role, actorID, pdfDigest string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.SignatureSecret))
	fmt.Fprintf(mac, "%s|%s|%s|%s|%s", reportNo, role, actorID, pdfDigest, at.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(mac.Sum(nil))
}

// DownloadPDF opens the issued PDF of a finalized report. The caller closes
// the reader.
func (s *Service) DownloadPDF(ctx context.Context, reportID uuid.UUID) (*Report, blobstore.Info, io.ReadCloser, error) {
	rep, err := s.reports.GetByID(ctx, reportID)
	if err != nil {
		return nil, blobstore.Info{}, nil, err
	}
	if !rep.IsLocked || rep.PDFURL == nil {
		return nil, blobstore.Info{}, nil, apperr.PreconditionFailed("report %s has not been finalized", rep.ReportNo)
	}
	info, rc, err := s.blobs.Get(ctx, PDFKey(rep))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, blobstore.Info{}, nil, apperr.NotFound("pdf for report %s not found", rep.ReportNo)
	}
	if err != nil {
		return nil, blobstore.Info{}, nil, apperr.Wrap(apperr.KindStorageFailed, err, "read pdf for report %s", rep.ReportNo)
	}
	return rep, info, rc, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
