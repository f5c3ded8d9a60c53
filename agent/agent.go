/*
Package agent handles attestation requests of isolated VMs.

A request carries an attestation report produced inside the VM. The report is decoded and,
for key release requests, exchanged for a released key. The key is written into the
caller provided response buffer together with the transport key from the report.

Every request ends in one of three states:

  - Completed: the request was served, possibly with no bytes written.
  - Rejected: the report was malformed or asked for something unsupported. No remote call was made.
  - Failed: a remote call or the response encoding failed.

On Rejected and Failed, the response buffer is zeroed and nothing is written.
*/
package agent

import (
	"context"
	"fmt"

	"github.com/edgelesssys/go-igvm-agent/crypto"
	"github.com/edgelesssys/go-igvm-agent/evidence"
	"github.com/edgelesssys/go-igvm-agent/release"
	"github.com/edgelesssys/go-igvm-agent/report"
	"github.com/edgelesssys/go-igvm-agent/response"
	"github.com/google/go-sev-guest/abi"
	"github.com/google/go-sev-guest/kds"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the terminal state of a request.
type State uint32

const (
	// Completed means the request was served.
	Completed State = iota
	// Rejected means the request was malformed or unsupported.
	Rejected
	// Failed means the request could not be served.
	Failed
)

func (s State) String() string {
	switch s {
	case Completed:
		return "Completed"
	case Rejected:
		return "Rejected"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Request is an attestation request of a VM.
type Request struct {
	VMID   uuid.UUID
	VMName string
	// AttestationURI is the attestation context passed by the host. It is logged only.
	AttestationURI string
	// KeyURI selects the key to release. If empty, the configured key is released.
	KeyURI string
	Report []byte
}

// Result is the outcome of a request.
type Result struct {
	State State
	// Reason is set for Rejected and Failed results.
	Reason error
	// Written is the number of bytes written to the response buffer.
	Written int
}

// KeyReleaser exchanges evidence for a released key.
type KeyReleaser interface {
	ReleaseKeyID(ctx context.Context, ev evidence.Evidence, requestType report.RequestType, key release.KeyID) ([]byte, error)
	DefaultKey() release.KeyID
}

// TransportKeyWrapper wraps a released key under the transport key of the requesting VM.
type TransportKeyWrapper interface {
	Wrap(transportKey, releasedKey []byte) ([]byte, error)
}

// TransportKeyWrapperFunc adapts a function to a TransportKeyWrapper.
type TransportKeyWrapperFunc func(transportKey, releasedKey []byte) ([]byte, error)

// Wrap calls f.
func (f TransportKeyWrapperFunc) Wrap(transportKey, releasedKey []byte) ([]byte, error) {
	return f(transportKey, releasedKey)
}

// Agent dispatches attestation requests.
type Agent struct {
	releaser KeyReleaser
	wrapper  TransportKeyWrapper
	log      *logrus.Entry
}

// Option configures an Agent.
type Option func(*Agent)

// WithTransportKeyWrapper makes the agent return released keys wrapped by w.
func WithTransportKeyWrapper(w TransportKeyWrapper) Option {
	return func(a *Agent) {
		a.wrapper = w
	}
}

// New returns a new Agent.
func New(releaser KeyReleaser, log *logrus.Entry, opts ...Option) *Agent {
	a := &Agent{
		releaser: releaser,
		log:      log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle serves req and writes the response into out.
func (a *Agent) Handle(ctx context.Context, req Request, out []byte) Result {
	log := a.log.WithFields(logrus.Fields{
		"request_id": uuid.New().String(),
		"vm_id":      req.VMID.String(),
		"vm_name":    req.VMName,
	})
	if req.AttestationURI != "" {
		log = log.WithField("attestation_uri", req.AttestationURI)
	}

	res, log := a.handle(ctx, log, req, out)
	if res.State != Completed {
		clear(out)
		res.Written = 0
	}

	log = log.WithField("state", res.State.String())
	switch res.State {
	case Completed:
		log.WithField("written", res.Written).Info("Request completed")
	case Rejected:
		log.WithError(res.Reason).Warn("Request rejected")
	default:
		log.WithError(res.Reason).Error("Request failed")
	}
	return res
}

// handle returns the result of req and log enriched with the decoded report fields.
func (a *Agent) handle(ctx context.Context, log *logrus.Entry, req Request, out []byte) (Result, *logrus.Entry) {
	r, err := report.ParseReport(req.Report)
	if err != nil {
		return Result{State: Rejected, Reason: fmt.Errorf("parsing report: %w", err)}, log
	}
	log = log.WithFields(logrus.Fields{
		"report_type":  r.ReportType().String(),
		"request_type": r.RequestType().String(),
	})
	logEvidence(log, r.Evidence)

	switch r.RequestType() {
	case report.KeyReleaseRequest:
		return a.releaseKey(ctx, log, req, r, out), log
	case report.EKCertRequest:
		clear(out)
		return Result{State: Completed}, log
	default:
		return Result{
			State:  Rejected,
			Reason: fmt.Errorf("%w: unsupported request type %s", report.ErrInvalidArgument, r.RequestType()),
		}, log
	}
}

func (a *Agent) releaseKey(ctx context.Context, log *logrus.Entry, req Request, r report.Report, out []byte) Result {
	key := a.releaser.DefaultKey()
	if req.KeyURI != "" {
		var err error
		key, err = release.ParseKeyID(req.KeyURI)
		if err != nil {
			return Result{State: Rejected, Reason: fmt.Errorf("%w: %w", report.ErrInvalidArgument, err)}
		}
	}
	log = log.WithField("key", key.String())

	transportKey := r.KeyData()
	logTransportKey(log, transportKey)

	releasedKey, err := a.releaser.ReleaseKeyID(ctx, evidence.Encode(r), r.RequestType(), key)
	if err != nil {
		return Result{State: Failed, Reason: err}
	}
	log.WithField("released_key_size", len(releasedKey)).Debug("Key released")

	if a.wrapper != nil {
		wrapped, err := a.wrapper.Wrap(transportKey, releasedKey)
		clear(releasedKey)
		if err != nil {
			return Result{State: Failed, Reason: fmt.Errorf("wrapping released key: %w", err)}
		}
		releasedKey = wrapped
	}

	written, err := response.Encode(releasedKey, transportKey, out)
	if err != nil {
		return Result{State: Failed, Reason: fmt.Errorf("encoding response: %w", err)}
	}
	return Result{State: Completed, Written: written}
}

// logEvidence logs hardware specific details of the evidence at debug level.
func logEvidence(log *logrus.Entry, ev report.HardwareEvidence) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}

	switch e := ev.(type) {
	case report.SNPReport:
		fields := logrus.Fields{
			"snp_version":     e.Version,
			"snp_guest_svn":   e.GuestSVN,
			"snp_vmpl":        e.VMPL,
			"snp_measurement": fmt.Sprintf("%x", e.Measurement),
		}
		policy, err := abi.ParseSnpPolicy(e.Policy)
		if err != nil {
			log.WithError(err).Debug("Decoding SNP guest policy")
		} else {
			fields["snp_policy_abi"] = fmt.Sprintf("%d.%d", policy.ABIMajor, policy.ABIMinor)
			fields["snp_policy_smt"] = policy.SMT
			fields["snp_policy_debug"] = policy.Debug
			fields["snp_policy_migrate_ma"] = policy.MigrateMA
		}
		tcb := kds.DecomposeTCBVersion(kds.TCBVersion(e.TCBVersion))
		fields["snp_tcb"] = fmt.Sprintf("bl=%d tee=%d snp=%d ucode=%d", tcb.BlSpl, tcb.TeeSpl, tcb.SnpSpl, tcb.UcodeSpl)
		log.WithFields(fields).Debug("SNP evidence")
	case report.VBSReport:
		log.WithFields(logrus.Fields{
			"vbs_version":                e.Version,
			"vbs_guest_vtl":              e.Identity.GuestVTL,
			"vbs_platform_isolation_svn": e.Identity.PlatformIsolationSVN,
			"vbs_secure_kernel_svn":      e.Identity.SecureKernelSVN,
		}).Debug("VBS evidence")
	}
}

// logTransportKey logs the type and fingerprint of the transport key.
// Keys that do not parse are passed on unchanged.
func logTransportKey(log *logrus.Entry, transportKey []byte) {
	pub, err := crypto.ParsePublicKey(transportKey)
	if err != nil {
		log.WithError(err).Warn("Transport key is not a public key")
		return
	}
	log.WithFields(logrus.Fields{
		"transport_key":             crypto.Describe(pub),
		"transport_key_fingerprint": crypto.Fingerprint(transportKey),
	}).Debug("Transport key")
}
