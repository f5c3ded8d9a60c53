package report

import (
	"encoding/binary"
)

// Marshal serializes an AttestationHeader into its binary representation found at the start of a report.
func (h *AttestationHeader) Marshal() [HeaderSize]byte {
	var result [HeaderSize]byte
	binary.LittleEndian.PutUint32(result[0:4], h.Magic)
	binary.LittleEndian.PutUint32(result[4:8], h.Version)
	binary.LittleEndian.PutUint32(result[8:12], h.ReportSize)
	binary.LittleEndian.PutUint32(result[12:16], h.Reserved)
	return result
}

// Marshal serializes an SNPReport into its binary representation found in a report.
func (r *SNPReport) Marshal() [SNPReportSize]byte {
	var result [SNPReportSize]byte
	binary.LittleEndian.PutUint32(result[0:4], r.Version)
	binary.LittleEndian.PutUint32(result[4:8], r.GuestSVN)
	binary.LittleEndian.PutUint64(result[8:16], r.Policy)
	copy(result[16:32], r.FamilyID[:])
	copy(result[32:48], r.ImageID[:])
	binary.LittleEndian.PutUint32(result[48:52], r.VMPL)
	binary.LittleEndian.PutUint32(result[52:56], r.SignatureAlgo)
	binary.LittleEndian.PutUint64(result[56:64], r.TCBVersion)
	binary.LittleEndian.PutUint64(result[64:72], r.PlatformInfo)
	binary.LittleEndian.PutUint32(result[72:76], r.ReportFlags)
	binary.LittleEndian.PutUint32(result[76:80], r.Reserved)
	copy(result[80:144], r.ReportData[:])
	copy(result[144:192], r.Measurement[:])
	copy(result[192:224], r.HostData[:])
	copy(result[224:272], r.IDKeyDigest[:])
	copy(result[272:320], r.AuthorKeyDigest[:])
	copy(result[320:352], r.ReportID[:])
	copy(result[352:384], r.ReportIDMA[:])
	copy(result[384:456], r.Signature.R[:])
	copy(result[456:528], r.Signature.S[:])
	copy(result[528:896], r.Signature.Reserved[:])
	return result
}

// Marshal serializes a VBSReport into its binary representation found in a report.
func (r *VBSReport) Marshal() [VBSReportSize]byte {
	var result [VBSReportSize]byte
	binary.LittleEndian.PutUint32(result[0:4], r.PackageHeader.PackageSize)
	binary.LittleEndian.PutUint32(result[4:8], r.PackageHeader.Version)
	binary.LittleEndian.PutUint32(result[8:12], r.PackageHeader.SignatureScheme)
	binary.LittleEndian.PutUint32(result[12:16], r.PackageHeader.SignatureSize)
	binary.LittleEndian.PutUint32(result[16:20], r.PackageHeader.Reserved)
	binary.LittleEndian.PutUint32(result[20:24], r.Version)
	copy(result[24:88], r.ReportData[:])
	identity := r.Identity.Marshal()
	copy(result[88:264], identity[:])
	for i, module := range r.Modules {
		raw := module.Marshal()
		copy(result[264+i*140:264+(i+1)*140], raw[:])
	}
	copy(result[544:800], r.Signature[:])
	return result
}

// Marshal serializes a VBSIdentity into its binary representation found in a VBSReport.
func (id *VBSIdentity) Marshal() [176]byte {
	var result [176]byte
	copy(result[0:32], id.OwnerID[:])
	copy(result[32:64], id.Measurement[:])
	copy(result[64:96], id.Signer[:])
	copy(result[96:128], id.Reserved1[:])
	binary.LittleEndian.PutUint32(result[128:132], id.PlatformIsolationSVN)
	binary.LittleEndian.PutUint32(result[132:136], id.SecureKernelSVN)
	binary.LittleEndian.PutUint32(result[136:140], id.PlatformBootChainSVN)
	binary.LittleEndian.PutUint32(result[140:144], id.GuestVTL)
	copy(result[144:176], id.Reserved2[:])
	return result
}

// Marshal serializes a VBSModule into its binary representation found in a VBSReport.
func (m *VBSModule) Marshal() [140]byte {
	var result [140]byte
	copy(result[0:32], m.ImageHash[:])
	copy(result[32:64], m.Signer[:])
	copy(result[64:80], m.FamilyID[:])
	copy(result[80:96], m.ImageID[:])
	binary.LittleEndian.PutUint32(result[96:100], m.Attributes)
	binary.LittleEndian.PutUint32(result[100:104], m.SVN)
	binary.LittleEndian.PutUint32(result[104:108], m.VTL)
	copy(result[108:140], m.Reserved[:])
	return result
}

// Marshal serializes RequestData, including KeyData, into the binary representation
// bound into the hardware evidence.
// The KeyDataSize field is written as stored, so a RequestData obtained from ParseReport
// marshals back to the exact input bytes.
func (d *RequestData) Marshal() []byte {
	result := make([]byte, RequestDataPrefixSize+len(d.KeyData))
	binary.LittleEndian.PutUint32(result[0:4], d.DataSize)
	binary.LittleEndian.PutUint32(result[4:8], uint32(d.ReportType))
	binary.LittleEndian.PutUint32(result[8:12], uint32(d.RequestType))
	binary.LittleEndian.PutUint32(result[12:16], d.Version)
	binary.LittleEndian.PutUint32(result[16:20], d.KeyDataSize)
	copy(result[RequestDataPrefixSize:], d.KeyData)
	return result
}
