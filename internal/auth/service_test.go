package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/auth"
)

var signingKey *rsa.PrivateKey

var _ = BeforeSuite(func() {
	var err error
	signingKey, err = rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())
})

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func claimsFor(subject string, roles ...string) *auth.Claims {
	return &auth.Claims{
		Email: subject + "@dswd.example",
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "https://idp.example",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
		},
	}
}

func sign(claims *auth.Claims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(signingKey)
	Expect(err).NotTo(HaveOccurred())
	return token
}

var _ = Describe("JWTVerifier", func() {
	var verifier *auth.JWTVerifier

	BeforeEach(func() {
		verifier = auth.NewJWTVerifier(&signingKey.PublicKey, "https://idp.example", discardLogger())
	})

	It("returns the user and known roles from a valid token", func() {
		user, err := verifier.Verify(sign(claimsFor("officer-1", "program_staff", "AUDITOR")))
		Expect(err).NotTo(HaveOccurred())
		Expect(user.ID).To(Equal("officer-1"))
		Expect(user.Email).To(Equal("officer-1@dswd.example"))
		Expect(user.Roles).To(Equal([]auth.Role{auth.RoleProgramStaff}))
	})

	It("reports expired tokens separately", func() {
		claims := claimsFor("officer-1", "SYSTEM_ADMIN")
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := verifier.Verify(sign(claims))
		Expect(err).To(Equal(internal.ErrTokenExpired))
	})

	It("rejects a token without expiry", func() {
		claims := claimsFor("officer-1", "SYSTEM_ADMIN")
		claims.ExpiresAt = nil
		_, err := verifier.Verify(sign(claims))
		Expect(err).To(Equal(internal.ErrInvalidToken))
	})

	It("rejects a token from another issuer", func() {
		claims := claimsFor("officer-1", "SYSTEM_ADMIN")
		claims.Issuer = "https://elsewhere.example"
		_, err := verifier.Verify(sign(claims))
		Expect(err).To(Equal(internal.ErrInvalidToken))
	})

	It("rejects a token signed by another key", func() {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).NotTo(HaveOccurred())
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claimsFor("officer-1", "SYSTEM_ADMIN")).SignedString(other)
		Expect(err).NotTo(HaveOccurred())

		_, err = verifier.Verify(token)
		Expect(err).To(Equal(internal.ErrInvalidToken))
	})

	It("rejects HMAC tokens", func() {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("officer-1", "SYSTEM_ADMIN")).SignedString([]byte("secret"))
		Expect(err).NotTo(HaveOccurred())

		_, err = verifier.Verify(token)
		Expect(internal.IsErrorType(err, internal.ErrorTypeUnauthorized)).To(BeTrue())
	})

	It("rejects a token without subject", func() {
		_, err := verifier.Verify(sign(claimsFor("", "SYSTEM_ADMIN")))
		Expect(err).To(Equal(internal.ErrInvalidToken))
	})
})

var _ = Describe("RolePermissionChecker", func() {
	checker := auth.NewPermissionChecker()

	DescribeTable("role grants",
		func(role auth.Role, permission auth.Permission, allowed bool) {
			Expect(checker.HasPermission([]auth.Role{role}, permission)).To(Equal(allowed))
		},
		Entry("registry staff create", auth.RoleRegistryStaff, auth.PermissionCreate, true),
		Entry("registry staff read", auth.RoleRegistryStaff, auth.PermissionRead, true),
		Entry("registry staff operate", auth.RoleRegistryStaff, auth.PermissionOperate, false),
		Entry("lgu staff create", auth.RoleLGUStaff, auth.PermissionCreate, true),
		Entry("lgu staff administer", auth.RoleLGUStaff, auth.PermissionAdminister, false),
		Entry("program staff operate", auth.RoleProgramStaff, auth.PermissionOperate, true),
		Entry("program staff create", auth.RoleProgramStaff, auth.PermissionCreate, false),
		Entry("program staff administer", auth.RoleProgramStaff, auth.PermissionAdminister, false),
		Entry("admin administer", auth.RoleSystemAdmin, auth.PermissionAdminister, true),
		Entry("admin operate", auth.RoleSystemAdmin, auth.PermissionOperate, true),
	)

	It("unions permissions across roles", func() {
		perms := checker.Permissions([]auth.Role{auth.RoleLGUStaff, auth.RoleProgramStaff})
		Expect(perms).To(ConsistOf(auth.PermissionCreate, auth.PermissionRead, auth.PermissionOperate))
	})

	It("grants nothing without roles", func() {
		Expect(checker.HasPermission(nil, auth.PermissionRead)).To(BeFalse())
	})
})
