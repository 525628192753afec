package approval

import (
	"fmt"
	"strings"
)

// ApprovalMessageFor renders the exact text approvers sign for a. It binds the
// certificate, the artifact hash, the submission round and the record's
// sequence number, so a signature cannot be replayed on another record.
func ApprovalMessageFor(a CertificateApproval) string {
	var b strings.Builder
	b.WriteString("I approve this certificate registration\n\n")
	writeRecordLines(&b, a)
	fmt.Fprintf(&b, "Required Approvals: %d", a.RequiredApprovals)
	return b.String()
}

// RejectionMessageFor renders the text a rejector signs. The reason is part of
// the message, so a rejection signature cannot carry a different justification.
func RejectionMessageFor(a CertificateApproval, reason string) string {
	var b strings.Builder
	b.WriteString("I reject this certificate registration\n\n")
	writeRecordLines(&b, a)
	fmt.Fprintf(&b, "Reason: %s", strings.TrimSpace(reason))
	return b.String()
}

func writeRecordLines(b *strings.Builder, a CertificateApproval) {
	fmt.Fprintf(b, "Certificate ID: %s\n", a.CertificateID)
	fmt.Fprintf(b, "Entity: %s (%s %s)\n", a.EntityName, a.EntityType, a.EntityID)
	fmt.Fprintf(b, "Content Hash: %s\n", a.ContentHash)
	fmt.Fprintf(b, "Submission Version: %d\n", a.SubmissionVersion)
	fmt.Fprintf(b, "Approval Sequence: %d\n", a.Sequence)
}
