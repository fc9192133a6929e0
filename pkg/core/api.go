package core

import "encoding/xml"

const S3XMLNamespace = "http://s3.amazonaws.com/doc/2006-03-01/"

type ListAllMyBucketsOwner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type ListAllMyBucketsEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

// ListAllMyBucketsResult represents the XML response for the S3 ListBuckets API.
type ListAllMyBucketsResult struct {
	XMLName xml.Name                `xml:"ListAllMyBucketsResult"`
	XMLNS   string                  `xml:"xmlns,attr"`
	Owner   ListAllMyBucketsOwner   `xml:"Owner"`
	Buckets []ListAllMyBucketsEntry `xml:"Buckets>Bucket"`
}

// CommonPrefix represents a single common prefix entry in a ListBucketResult.
// Each one stands for a folder directly below the listed prefix.
type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// ListBucketResult represents the XML response for the S3 ListObjects API.
// Field order is the element order on the wire.
type ListBucketResult struct {
	XMLName        xml.Name        `xml:"ListBucketResult"`
	XMLNS          string          `xml:"xmlns,attr"`
	Name           string          `xml:"Name"`
	Prefix         string          `xml:"Prefix"`
	IsTruncated    bool            `xml:"IsTruncated"`
	MaxKeys        int             `xml:"MaxKeys"`
	Marker         string          `xml:"Marker"`
	CommonPrefixes []CommonPrefix  `xml:"CommonPrefixes"`
	Contents       []ObjectSummary `xml:"Contents"`
}

// ObjectSummary is a single entry in a ListBucketResult. Nil fields are
// left out entirely, which is only the case for the folder marker entry.
type ObjectSummary struct {
	Key          string  `xml:"Key"`
	Size         uint64  `xml:"Size"`
	LastModified *string `xml:"LastModified"`
	ETag         *string `xml:"ETag"`
	StorageClass *string `xml:"StorageClass"`
}

type S3Error struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId,omitempty"`
}

type LocationConstraint struct {
	XMLName xml.Name `xml:"LocationConstraint"`
	XMLNS   string   `xml:"xmlns,attr"`
	Region  string   `xml:",chardata"`
}
